package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"hashpass/logger"
	"hashpass/metrics"
)

const (
	webhookTimeout     = 5 * time.Second
	webhookMaxAttempts = 3
	webhookBaseBackoff = time.Second
)

// WebhookNotifier posts solve notifications to an external endpoint.
// Delivery is best effort: failures are retried with exponential
// backoff and then dropped, never surfacing to the winning client.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client

	// sleep is swapped in tests to skip the real backoff.
	sleep func(time.Duration)
}

func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: webhookTimeout},
		sleep:  time.Sleep,
	}
}

type webhookPayload struct {
	Event      string  `json:"event"`
	InviteCode string  `json:"invite_code"`
	VisitorID  string  `json:"visitor_id"`
	IP         string  `json:"ip"`
	Difficulty int     `json:"difficulty"`
	SolveTime  float64 `json:"solve_time"`
	Timestamp  string  `json:"timestamp"`
}

// NotifySolve delivers one puzzle-solved notification. Call from a
// separate goroutine; it blocks across retries.
func (w *WebhookNotifier) NotifySolve(inviteCode, visitorID, ip string, difficulty int, solveTime float64) {
	if w.url == "" {
		return
	}

	body, err := json.Marshal(webhookPayload{
		Event:      "puzzle_solved",
		InviteCode: inviteCode,
		VisitorID:  visitorID,
		IP:         ip,
		Difficulty: difficulty,
		SolveTime:  solveTime,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("webhook payload marshal failed", "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < webhookMaxAttempts; attempt++ {
		if attempt > 0 {
			w.sleep(webhookBaseBackoff << (attempt - 1))
		}
		if lastErr = w.post(body); lastErr == nil {
			metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			return
		}
		logger.Warn("webhook delivery failed",
			"attempt", attempt+1,
			"max_attempts", webhookMaxAttempts,
			"error", lastErr)
	}
	metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
}

func (w *WebhookNotifier) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
