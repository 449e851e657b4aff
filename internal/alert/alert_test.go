package alert

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/acuity"
)

func TestNew_BucketsTriggerTime(t *testing.T) {
	t.Parallel()

	patientID := uuid.New()
	triggered := time.Date(2026, 3, 14, 10, 7, 33, 0, time.UTC)

	a := New(KindCriticalFinding, patientID, acuity.Level1, triggered, 5*time.Minute)

	if a.ID == "" {
		t.Error("expected a generated alert id")
	}
	if a.Kind != KindCriticalFinding {
		t.Errorf("Kind = %q, want %q", a.Kind, KindCriticalFinding)
	}
	if a.PatientID != patientID {
		t.Errorf("PatientID = %s, want %s", a.PatientID, patientID)
	}
	if !a.TriggeredAt.Equal(triggered) {
		t.Errorf("TriggeredAt = %v, want %v", a.TriggeredAt, triggered)
	}
	want := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	if !a.Bucket.Equal(want) {
		t.Errorf("Bucket = %v, want %v", a.Bucket, want)
	}
}

func TestNew_NonPositiveBucketDefaults(t *testing.T) {
	t.Parallel()

	triggered := time.Date(2026, 3, 14, 10, 7, 33, 0, time.UTC)
	a := New(KindSLABreach, uuid.New(), acuity.Level3, triggered, 0)

	want := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
	if !a.Bucket.Equal(want) {
		t.Errorf("Bucket = %v, want minute truncation %v", a.Bucket, want)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	patientID := uuid.New()
	triggered := time.Date(2026, 3, 14, 10, 7, 33, 0, time.UTC)
	window := 5 * time.Minute

	a := New(KindSLABreach, patientID, acuity.Level2, triggered, window)
	sameBucket := New(KindSLABreach, patientID, acuity.Level2, triggered.Add(time.Minute), window)
	nextBucket := New(KindSLABreach, patientID, acuity.Level2, triggered.Add(window), window)
	otherKind := New(KindCriticalFinding, patientID, acuity.Level2, triggered, window)
	otherPatient := New(KindSLABreach, uuid.New(), acuity.Level2, triggered, window)

	if a.DedupKey() != sameBucket.DedupKey() {
		t.Error("alerts in the same bucket should share a dedup key")
	}
	if a.DedupKey() == nextBucket.DedupKey() {
		t.Error("alerts in different buckets should not share a dedup key")
	}
	if a.DedupKey() == otherKind.DedupKey() {
		t.Error("alerts of different kinds should not share a dedup key")
	}
	if a.DedupKey() == otherPatient.DedupKey() {
		t.Error("alerts for different patients should not share a dedup key")
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		a := New(KindCriticalFinding, uuid.New(), acuity.Level1, time.Now(), time.Minute)
		if seen[a.ID] {
			t.Fatalf("duplicate alert id %s", a.ID)
		}
		seen[a.ID] = true
	}
}
