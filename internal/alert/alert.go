// Package alert defines the outbound alert model shared by the flow engine
// and the notification boundary.
package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/patientflow/internal/acuity"
)

// Kind classifies what triggered an alert.
type Kind string

const (
	// KindCriticalFinding fires when a committed assessment carries one or
	// more critical findings.
	KindCriticalFinding Kind = "critical-finding"

	// KindSLABreach fires when a queue entry's wait exceeds its band's SLA.
	KindSLABreach Kind = "sla-breach"
)

// Alert is a single outbound notification. Alerts are de-duplicated by
// (patient, kind, time bucket) so repeated ticks observing the same
// unresolved condition do not produce storms.
type Alert struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	PatientID   uuid.UUID    `json:"patient_id"`
	Level       acuity.Level `json:"level"`
	WaitMinutes int          `json:"wait_minutes,omitempty"`
	TriggeredAt time.Time    `json:"triggered_at"`
	Bucket      time.Time    `json:"bucket"`
	Acked       bool         `json:"acked"`
}

// New builds an alert, bucketing the trigger time to the given interval.
func New(kind Kind, patientID uuid.UUID, level acuity.Level, triggeredAt time.Time, bucket time.Duration) *Alert {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Alert{
		ID:          ulid.Make().String(),
		Kind:        kind,
		PatientID:   patientID,
		Level:       level,
		TriggeredAt: triggeredAt,
		Bucket:      triggeredAt.UTC().Truncate(bucket),
	}
}

// DedupKey is the idempotence key for the dispatcher window.
func (a *Alert) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", a.PatientID, a.Kind, a.Bucket.Unix())
}
