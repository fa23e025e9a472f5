package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hashpass/metrics"
)

const (
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	turnstileTimeout   = 10 * time.Second

	// Cloudflare's published always-pass test keys, used in test mode.
	turnstileTestSecretKey = "1x0000000000000000000000000000000AA"
	turnstileTestSiteKey   = "1x00000000000000000000AA"
)

// TurnstileVerifier validates CAPTCHA responses against Cloudflare's
// siteverify endpoint. In test mode the published test key pair is
// substituted so local development needs no real keys.
type TurnstileVerifier struct {
	siteKey   string
	secretKey string
	testMode  bool
	endpoint  string
	client    *http.Client
}

func NewTurnstileVerifier(siteKey, secretKey string, testMode bool) *TurnstileVerifier {
	if testMode {
		siteKey = turnstileTestSiteKey
		secretKey = turnstileTestSecretKey
	}
	return &TurnstileVerifier{
		siteKey:   siteKey,
		secretKey: secretKey,
		testMode:  testMode,
		endpoint:  turnstileVerifyURL,
		client:    &http.Client{Timeout: turnstileTimeout},
	}
}

// SiteKey returns the public key the front end renders the widget with.
func (t *TurnstileVerifier) SiteKey() string { return t.siteKey }

// TestMode reports whether the always-pass test keys are in use.
func (t *TurnstileVerifier) TestMode() bool { return t.testMode }

// Configured reports whether verification can run at all.
func (t *TurnstileVerifier) Configured() bool { return t.secretKey != "" }

type turnstileResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks one CAPTCHA response for the given client IP. On
// failure the returned error carries the provider's error codes.
func (t *TurnstileVerifier) Verify(response, remoteIP string) error {
	if !t.Configured() {
		return fmt.Errorf("captcha verification not configured")
	}

	form := url.Values{
		"secret":   {t.secretKey},
		"response": {response},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	resp, err := t.client.PostForm(t.endpoint, form)
	if err != nil {
		metrics.CaptchaChecks.WithLabelValues("error").Inc()
		return fmt.Errorf("captcha verification request failed: %w", err)
	}
	defer resp.Body.Close()

	var result turnstileResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.CaptchaChecks.WithLabelValues("error").Inc()
		return fmt.Errorf("captcha verification response malformed: %w", err)
	}

	if !result.Success {
		metrics.CaptchaChecks.WithLabelValues("failure").Inc()
		codes := strings.Join(result.ErrorCodes, ", ")
		if codes == "" {
			codes = "unknown"
		}
		return fmt.Errorf("captcha verification failed: %s", codes)
	}

	metrics.CaptchaChecks.WithLabelValues("success").Inc()
	return nil
}
