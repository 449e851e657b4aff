// Package notify implements the asynchronous alert dispatch boundary. The
// engine hands alerts over and returns to clinical work; delivery retries,
// de-duplication and acknowledgement tracking live here.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patientflow/internal/alert"
)

// Sink delivers one alert to an external channel, e.g. a Slack webhook.
type Sink interface {
	Send(ctx context.Context, a *alert.Alert) error
}

// Config tunes the dispatcher. Zero values get sensible defaults.
type Config struct {
	Window        time.Duration // dedup window, default 5m
	Buffer        int           // queued alerts before Dispatch rejects, default 256
	MaxTries      uint          // delivery attempts per alert, default 4
	RetryInterval time.Duration // initial backoff interval, default 500ms
	SendTimeout   time.Duration // per-delivery timeout, default 30s
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// maxRecent bounds the acknowledgement registry.
const maxRecent = 1024

// Dispatcher queues alerts for a single delivery worker. It drops repeats of
// the same (patient, kind, bucket) inside the dedup window and keeps a
// bounded registry of recent alerts for acknowledgement.
type Dispatcher struct {
	sink   Sink
	logger log.Logger
	cfg    Config

	mu     sync.Mutex
	seen   map[string]time.Time
	recent map[string]*alert.Alert
	order  []string

	ch   chan *alert.Alert
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a dispatcher and starts its delivery worker.
func New(sink Sink, logger log.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.fill()
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		seen:   make(map[string]time.Time),
		recent: make(map[string]*alert.Alert),
		ch:     make(chan *alert.Alert, cfg.Buffer),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Dispatch enqueues an alert for delivery. Returns nil for a de-duplicated
// repeat; an error only when the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alert.Alert) error {
	d.mu.Lock()
	now := time.Now()
	d.prune(now)
	key := a.DedupKey()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		d.logger.Info(ctx, "duplicate alert suppressed", "alert_id", a.ID, "dedup_key", key)
		return nil
	}
	d.seen[key] = now
	d.remember(a)
	d.mu.Unlock()

	select {
	case d.ch <- a:
		return nil
	default:
		return fmt.Errorf("alert queue full, dropping %s", a.ID)
	}
}

// Ack marks a recent alert acknowledged. Returns false for unknown IDs.
func (d *Dispatcher) Ack(alertID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.recent[alertID]
	if !ok {
		return false
	}
	a.Acked = true
	return true
}

// Recent returns copies of the tracked alerts, oldest first.
func (d *Dispatcher) Recent() []*alert.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*alert.Alert, 0, len(d.order))
	for _, id := range d.order {
		if a, ok := d.recent[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// Close stops accepting alerts and blocks until the queue drains.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.ch) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for a := range d.ch {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a *alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.sink.Send(ctx, a)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(d.cfg.MaxTries))
	if err != nil {
		d.logger.Error(ctx, err, "alert delivery failed",
			"alert_id", a.ID, "kind", a.Kind, "patient_id", a.PatientID, "tries", d.cfg.MaxTries)
		return
	}
	d.logger.Info(ctx, "alert delivered", "alert_id", a.ID, "kind", a.Kind, "patient_id", a.PatientID)
}

// remember tracks the alert for acknowledgement, evicting the oldest entry
// past capacity. Caller holds d.mu.
func (d *Dispatcher) remember(a *alert.Alert) {
	d.recent[a.ID] = a
	d.order = append(d.order, a.ID)
	if len(d.order) > maxRecent {
		delete(d.recent, d.order[0])
		d.order = d.order[1:]
	}
}

// prune drops dedup entries older than the window. Caller holds d.mu.
func (d *Dispatcher) prune(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) > d.cfg.Window {
			delete(d.seen, k)
		}
	}
}
