package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTurnstileTestModeSubstitutesKeys(t *testing.T) {
	v := NewTurnstileVerifier("real-site", "real-secret", true)
	if v.SiteKey() != turnstileTestSiteKey {
		t.Errorf("site key = %q, want published test key", v.SiteKey())
	}
	if !v.TestMode() || !v.Configured() {
		t.Error("test mode verifier not configured")
	}

	v = NewTurnstileVerifier("real-site", "real-secret", false)
	if v.SiteKey() != "real-site" {
		t.Errorf("site key = %q, want configured key", v.SiteKey())
	}
}

func TestTurnstileNotConfigured(t *testing.T) {
	v := NewTurnstileVerifier("site", "", false)
	if v.Configured() {
		t.Error("verifier with no secret reports configured")
	}
	if err := v.Verify("token", "1.2.3.4"); err == nil {
		t.Error("Verify succeeded without a secret")
	}
}

func TestTurnstileVerify(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	v := NewTurnstileVerifier("site", "secret", false)
	v.endpoint = srv.URL

	if err := v.Verify("the-token", "1.2.3.4"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := form["secret"]; len(got) != 1 || got[0] != "secret" {
		t.Errorf("secret field = %v", got)
	}
	if got := form["response"]; len(got) != 1 || got[0] != "the-token" {
		t.Errorf("response field = %v", got)
	}
	if got := form["remoteip"]; len(got) != 1 || got[0] != "1.2.3.4" {
		t.Errorf("remoteip field = %v", got)
	}
}

func TestTurnstileVerifyFailureCarriesCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response", "timeout-or-duplicate"]}`))
	}))
	defer srv.Close()

	v := NewTurnstileVerifier("site", "secret", false)
	v.endpoint = srv.URL

	err := v.Verify("bad-token", "1.2.3.4")
	if err == nil {
		t.Fatal("Verify succeeded on a failed check")
	}
	if !strings.Contains(err.Error(), "invalid-input-response") ||
		!strings.Contains(err.Error(), "timeout-or-duplicate") {
		t.Errorf("error %q missing provider codes", err)
	}
}

func TestTurnstileVerifyMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	v := NewTurnstileVerifier("site", "secret", false)
	v.endpoint = srv.URL

	if err := v.Verify("token", "1.2.3.4"); err == nil {
		t.Error("Verify accepted a malformed provider response")
	}
}
