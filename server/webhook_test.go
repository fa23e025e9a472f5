package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookDeliversPayload(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "hook-token")
	n.NotifySolve("abc123XYZ_", "visitor-1", "1.2.3.4", 12, 42.5)

	if auth != "Bearer hook-token" {
		t.Errorf("authorization = %q", auth)
	}
	if got.Event != "puzzle_solved" || got.InviteCode != "abc123XYZ_" || got.Difficulty != 12 || got.SolveTime != 42.5 {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var backoffs []time.Duration
	n := NewWebhookNotifier(srv.URL, "")
	n.sleep = func(d time.Duration) { backoffs = append(backoffs, d) }

	n.NotifySolve("code", "visitor", "1.2.3.4", 10, 1)

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(backoffs) != 2 || backoffs[0] != time.Second || backoffs[1] != 2*time.Second {
		t.Errorf("backoffs = %v, want [1s 2s]", backoffs)
	}
}

func TestWebhookGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	n.sleep = func(time.Duration) {}

	n.NotifySolve("code", "visitor", "1.2.3.4", 10, 1)
	if calls.Load() != webhookMaxAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), webhookMaxAttempts)
	}
}

func TestWebhookDisabledWithoutURL(t *testing.T) {
	n := NewWebhookNotifier("", "token")
	// Must be a no-op, not a panic or a hang.
	n.NotifySolve("code", "visitor", "1.2.3.4", 10, 1)
}
