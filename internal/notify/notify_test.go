package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/alert"
)

type fakeSink struct {
	mu       sync.Mutex
	sent     []*alert.Alert
	failures int // fail this many sends before succeeding
}

func (s *fakeSink) Send(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient delivery failure")
	}
	s.sent = append(s.sent, a)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testConfig() Config {
	return Config{
		Window:        time.Minute,
		Buffer:        16,
		MaxTries:      3,
		RetryInterval: time.Millisecond,
		SendTimeout:   5 * time.Second,
	}
}

func breachAlert(at time.Time) *alert.Alert {
	return alert.New(alert.KindSLABreach, uuid.New(), acuity.Level2, at, time.Minute)
}

func TestDispatcher_DeliversAndDrains(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	d := New(sink, log.Nop(), testConfig())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := d.Dispatch(ctx, breachAlert(time.Now())); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	d.Close()

	if got := sink.count(); got != 5 {
		t.Fatalf("delivered = %d, want 5 after Close drains the queue", got)
	}
}

func TestDispatcher_DedupWithinWindow(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	d := New(sink, log.Nop(), testConfig())

	ctx := context.Background()
	patientID := uuid.New()
	at := time.Date(2026, 8, 30, 10, 0, 10, 0, time.UTC)

	// Same patient, kind and bucket: one delivery.
	a1 := alert.New(alert.KindSLABreach, patientID, acuity.Level2, at, time.Minute)
	a2 := alert.New(alert.KindSLABreach, patientID, acuity.Level2, at.Add(20*time.Second), time.Minute)
	if err := d.Dispatch(ctx, a1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, a2); err != nil {
		t.Fatalf("duplicate Dispatch should be silently suppressed: %v", err)
	}

	// Next bucket and different kind both pass.
	a3 := alert.New(alert.KindSLABreach, patientID, acuity.Level2, at.Add(2*time.Minute), time.Minute)
	a4 := alert.New(alert.KindCriticalFinding, patientID, acuity.Level2, at, time.Minute)
	if err := d.Dispatch(ctx, a3); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, a4); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()

	if got := sink.count(); got != 3 {
		t.Fatalf("delivered = %d, want 3 (one duplicate suppressed)", got)
	}
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failures: 2}
	d := New(sink, log.Nop(), testConfig())

	if err := d.Dispatch(context.Background(), breachAlert(time.Now())); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()

	if got := sink.count(); got != 1 {
		t.Fatalf("delivered = %d, want 1 after retries", got)
	}
}

func TestDispatcher_GivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failures: 10}
	d := New(sink, log.Nop(), testConfig())

	if err := d.Dispatch(context.Background(), breachAlert(time.Now())); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()

	if got := sink.count(); got != 0 {
		t.Fatalf("delivered = %d, want 0 when every try fails", got)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	t.Parallel()

	// A sink that blocks until released, so the queue fills up.
	release := make(chan struct{})
	blocking := sinkFunc(func(context.Context, *alert.Alert) error {
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.Buffer = 1
	d := New(blocking, log.Nop(), cfg)
	defer func() {
		close(release)
		d.Close()
	}()

	ctx := context.Background()
	var full bool
	for i := 0; i < 4; i++ {
		if err := d.Dispatch(ctx, breachAlert(time.Now().Add(time.Duration(i)*time.Hour))); err != nil {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected Dispatch to reject once the queue is full")
	}
}

func TestDispatcher_AckAndRecent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	d := New(sink, log.Nop(), testConfig())
	defer d.Close()

	a := breachAlert(time.Now())
	if err := d.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !d.Ack(a.ID) {
		t.Fatal("Ack returned false for a tracked alert")
	}
	if d.Ack("01UNKNOWN") {
		t.Error("Ack returned true for an unknown ID")
	}

	recent := d.Recent()
	if len(recent) != 1 {
		t.Fatalf("Recent len = %d, want 1", len(recent))
	}
	if recent[0].ID != a.ID || !recent[0].Acked {
		t.Errorf("Recent[0] = %+v, want acked alert %s", recent[0], a.ID)
	}
}

type sinkFunc func(ctx context.Context, a *alert.Alert) error

func (f sinkFunc) Send(ctx context.Context, a *alert.Alert) error { return f(ctx, a) }
