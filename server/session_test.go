package main

import (
	"testing"
	"time"
)

func TestSessionValidateBindsIP(t *testing.T) {
	store := NewSessionStore(time.Minute, 0)
	c := &Client{ip: "1.2.3.4"}
	token := store.Generate(c, "1.2.3.4")

	if !store.Validate(token, "1.2.3.4") {
		t.Error("valid token rejected for its own IP")
	}
	if store.Validate(token, "5.6.7.8") {
		t.Error("token accepted from a different IP")
	}
	if store.Validate("no-such-token", "1.2.3.4") {
		t.Error("unknown token accepted")
	}
}

func TestSessionDisconnectExpiry(t *testing.T) {
	store := NewSessionStore(20*time.Millisecond, 0)
	c := &Client{ip: "1.2.3.4"}
	token := store.Generate(c, "1.2.3.4")

	store.MarkDisconnected(c)
	if !store.Validate(token, "1.2.3.4") {
		t.Error("token rejected inside the disconnect grace period")
	}

	time.Sleep(30 * time.Millisecond)
	if store.Validate(token, "1.2.3.4") {
		t.Error("token accepted after the grace period elapsed")
	}
}

func TestSessionReconnectStopsExpiry(t *testing.T) {
	store := NewSessionStore(30*time.Millisecond, 0)
	c1 := &Client{ip: "1.2.3.4"}
	token := store.Generate(c1, "1.2.3.4")
	store.MarkDisconnected(c1)

	c2 := &Client{ip: "1.2.3.4"}
	if !store.Reconnect(token, "1.2.3.4", c2) {
		t.Fatal("reconnect rejected for a live session")
	}

	// A reconnected session must not expire on the old disconnect clock.
	time.Sleep(40 * time.Millisecond)
	if !store.Validate(token, "1.2.3.4") {
		t.Error("reconnected session expired")
	}
}

func TestSessionReconnectWrongIP(t *testing.T) {
	store := NewSessionStore(time.Minute, 0)
	c := &Client{ip: "1.2.3.4"}
	token := store.Generate(c, "1.2.3.4")

	if store.Reconnect(token, "5.6.7.8", &Client{ip: "5.6.7.8"}) {
		t.Error("reconnect accepted from a different IP")
	}
}

func TestSessionRevokeByIP(t *testing.T) {
	store := NewSessionStore(time.Minute, 0)
	t1 := store.Generate(&Client{ip: "1.2.3.4"}, "1.2.3.4")
	t2 := store.Generate(&Client{ip: "1.2.3.4"}, "1.2.3.4")
	t3 := store.Generate(&Client{ip: "9.9.9.9"}, "9.9.9.9")

	if n := store.RevokeByIP("1.2.3.4"); n != 2 {
		t.Errorf("revoked %d sessions, want 2", n)
	}
	// Idempotent.
	if n := store.RevokeByIP("1.2.3.4"); n != 0 {
		t.Errorf("second revoke affected %d sessions, want 0", n)
	}

	if store.Validate(t1, "1.2.3.4") || store.Validate(t2, "1.2.3.4") {
		t.Error("revoked token still validates")
	}
	if store.Reconnect(t1, "1.2.3.4", &Client{ip: "1.2.3.4"}) {
		t.Error("revoked token allowed to reconnect")
	}
	if !store.Validate(t3, "9.9.9.9") {
		t.Error("unrelated session caught by revoke")
	}
}

func TestSessionSweep(t *testing.T) {
	store := NewSessionStore(10*time.Millisecond, 0)
	c1 := &Client{ip: "1.2.3.4"}
	store.Generate(c1, "1.2.3.4")
	store.Generate(&Client{ip: "5.6.7.8"}, "5.6.7.8")
	store.Generate(&Client{ip: "9.9.9.9"}, "9.9.9.9")

	store.MarkDisconnected(c1)
	store.RevokeByIP("5.6.7.8")
	time.Sleep(20 * time.Millisecond)

	if n := store.Sweep(); n != 2 {
		t.Errorf("sweep removed %d, want 2 (one expired, one revoked)", n)
	}
	if store.Count() != 1 {
		t.Errorf("count = %d, want 1", store.Count())
	}
}

func TestSessionAbsoluteTTL(t *testing.T) {
	store := NewSessionStore(time.Minute, 20*time.Millisecond)
	c := &Client{ip: "1.2.3.4"}
	token := store.Generate(c, "1.2.3.4")

	if !store.Validate(token, "1.2.3.4") {
		t.Error("fresh token rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if store.Validate(token, "1.2.3.4") {
		t.Error("token accepted past the absolute TTL despite staying connected")
	}
	if n := store.Sweep(); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
}

func TestSessionSnapshotRedactsToken(t *testing.T) {
	store := NewSessionStore(time.Minute, 0)
	token := store.Generate(&Client{ip: "1.2.3.4"}, "1.2.3.4")

	snap := store.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].TokenPreview == token {
		t.Error("snapshot leaks the full token")
	}
	if want := token[:8] + "..."; snap[0].TokenPreview != want {
		t.Errorf("token preview = %q, want %q", snap[0].TokenPreview, want)
	}
}
