package sessions

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caphub/caphub-go/envelope"
	"github.com/caphub/caphub-go/errdefs"
)

func TestCreateRequiresClientID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(""); err == nil {
		t.Fatal("expected error for empty client id")
	} else {
		var reqErr *errdefs.RequestError
		if !errors.As(err, &reqErr) {
			t.Fatalf("expected RequestError, got %T", err)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	r := NewRegistry()

	created, err := r.Create("c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClientID != "c1" {
		t.Errorf("clientId = %q, want c1", got.ClientID)
	}
	if got.ActiveRequestCount != 0 {
		t.Errorf("activeRequestCount = %d, want 0", got.ActiveRequestCount)
	}

	if !r.Close(created.ID) {
		t.Error("Close reported false for live session")
	}
	if _, err := r.Get(created.ID); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after close, got %v", err)
	}
	if r.Close(created.ID) {
		t.Error("second Close should report false")
	}
}

func TestAddRemoveRequestOnMissingSession(t *testing.T) {
	r := NewRegistry()
	req, _ := envelope.NewRequest("tool-execution", nil)

	if err := r.AddRequest("nope", req.ID, req); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Errorf("AddRequest on missing session: got %v", err)
	}
	if err := r.RemoveRequest("nope", req.ID); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Errorf("RemoveRequest on missing session: got %v", err)
	}
}

func TestInFlightAccountingConcurrent(t *testing.T) {
	r := NewRegistry()
	info, err := r.Create("c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := envelope.NewRequest("tool-execution", nil, envelope.WithID(fmt.Sprintf("req-%d", i)))
			if err := r.AddRequest(info.ID, req.ID, req); err != nil {
				t.Errorf("AddRequest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := r.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ActiveRequestCount != n {
		t.Errorf("activeRequestCount at peak = %d, want %d", got.ActiveRequestCount, n)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.RemoveRequest(info.ID, fmt.Sprintf("req-%d", i)); err != nil {
				t.Errorf("RemoveRequest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err = r.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ActiveRequestCount != 0 {
		t.Errorf("activeRequestCount after drain = %d, want 0", got.ActiveRequestCount)
	}
}

func TestLastActivityMonotonic(t *testing.T) {
	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	info, err := r.Create("c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(10 * time.Second)
	if err := r.Touch(info.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, _ := r.Get(info.ID)
	if !got.LastActivity.After(info.LastActivity) {
		t.Errorf("lastActivity did not advance: %v -> %v", info.LastActivity, got.LastActivity)
	}
}

func TestSweepIdle(t *testing.T) {
	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	stale, err := r.Create("c-stale")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Created 31 minutes apart; the second session is inside the threshold.
	now = now.Add(31 * time.Minute)
	fresh, err := r.Create("c-fresh")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	expired := r.SweepIdle(30 * time.Minute)
	if len(expired) != 1 {
		t.Fatalf("expired = %d sessions, want 1", len(expired))
	}
	if expired[0].SessionID != stale.ID || expired[0].ClientID != "c-stale" {
		t.Errorf("unexpected expiry record: %+v", expired[0])
	}

	if _, err := r.Get(stale.ID); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Error("stale session still present after sweep")
	}
	if _, err := r.Get(fresh.ID); err != nil {
		t.Errorf("fresh session removed by sweep: %v", err)
	}
}

func TestSweepIdleExactThresholdRetained(t *testing.T) {
	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	info, err := r.Create("c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Exactly at the threshold: strictly greater-than is required to expire.
	now = now.Add(30 * time.Minute)
	if expired := r.SweepIdle(30 * time.Minute); len(expired) != 0 {
		t.Fatalf("session at exact threshold swept: %+v", expired)
	}
	if _, err := r.Get(info.ID); err != nil {
		t.Errorf("session missing: %v", err)
	}
}

func TestMetadata(t *testing.T) {
	r := NewRegistry()
	info, err := r.Create("c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.SetMeta(info.ID, "model", "small"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, err := r.Meta(info.ID, "model")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if v != "small" {
		t.Errorf("meta = %v, want small", v)
	}
	if _, err := r.Meta("nope", "model"); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Errorf("Meta on missing session: got %v", err)
	}
}

func TestClientSessions(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("c2"); err != nil {
		t.Fatal(err)
	}

	if got := len(r.ClientSessions("c1")); got != 2 {
		t.Errorf("ClientSessions(c1) = %d, want 2", got)
	}
	if got := r.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestSweeperCallbackPanicIsolated(t *testing.T) {
	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	if _, err := r.Create("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("c2"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)

	var notified []string
	s := NewSweeper(r, time.Minute, 30*time.Minute, func(e Expired) {
		notified = append(notified, e.ClientID)
		panic("listener blew up")
	}, nil)
	s.sweepOnce()

	if len(notified) != 2 {
		t.Errorf("callback ran for %d sessions, want 2 (one panic must not stop the sweep)", len(notified))
	}
	if r.Len() != 0 {
		t.Errorf("sessions remaining = %d, want 0", r.Len())
	}
}
