package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/acuity"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func entry(level acuity.Level, arrivalOffset time.Duration) Entry {
	return Entry{
		PatientID:   uuid.New(),
		Level:       level,
		Disposition: acuity.DispositionFor(level),
		Arrival:     t0.Add(arrivalOffset),
		Version:     1,
	}
}

func TestUpsert_BandOrdering(t *testing.T) {
	t.Parallel()

	q := New()

	// Insert out of band order with interleaved arrivals.
	e3 := entry(acuity.Level3, 0)
	e1 := entry(acuity.Level1, 10*time.Minute)
	e5 := entry(acuity.Level5, -5*time.Minute)
	e2 := entry(acuity.Level2, 20*time.Minute)

	for _, e := range []Entry{e3, e1, e5, e2} {
		q.Upsert(e)
	}

	snap := q.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("snapshot length = %d, want 4", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].Level < snap[i-1].Level {
			t.Errorf("entry %d (level %d) outranked by level %d", i, snap[i].Level, snap[i-1].Level)
		}
	}
	if snap[0].PatientID != e1.PatientID {
		t.Errorf("head of queue = level %d, want the level-1 entry", snap[0].Level)
	}
}

func TestUpsert_FIFOWithinBand(t *testing.T) {
	t.Parallel()

	q := New()
	first := entry(acuity.Level3, 0)
	second := entry(acuity.Level3, 5*time.Minute)
	third := entry(acuity.Level3, 10*time.Minute)

	q.Upsert(third)
	q.Upsert(first)
	q.Upsert(second)

	snap := q.Snapshot()
	want := []uuid.UUID{first.PatientID, second.PatientID, third.PatientID}
	for i, id := range want {
		if snap[i].PatientID != id {
			t.Errorf("position %d = %s, want %s", i, snap[i].PatientID, id)
		}
	}
}

func TestUpsert_RelocatesOnLevelChange(t *testing.T) {
	t.Parallel()

	q := New()
	a := entry(acuity.Level4, 0)
	b := entry(acuity.Level4, time.Minute)
	q.Upsert(a)
	q.Upsert(b)

	// Reassessment escalates b to level 2.
	b.Level = acuity.Level2
	b.Version = 2
	q.Upsert(b)

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2 (upsert must not duplicate)", len(snap))
	}
	if snap[0].PatientID != b.PatientID {
		t.Errorf("head = %s, want escalated patient %s", snap[0].PatientID, b.PatientID)
	}
	if snap[0].Version != 2 {
		t.Errorf("head version = %d, want 2", snap[0].Version)
	}
}

func TestSnapshot_ReadAfterWrite(t *testing.T) {
	t.Parallel()

	q := New()
	e := entry(acuity.Level2, 0)
	q.Upsert(e)

	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].PatientID != e.PatientID {
		t.Fatalf("snapshot does not reflect committed upsert: %+v", snap)
	}

	// A snapshot taken before a mutation must not observe it.
	before := q.Snapshot()
	q.Remove(e.PatientID)
	if len(before) != 1 {
		t.Errorf("earlier snapshot mutated by later Remove")
	}
	if got := q.Snapshot(); len(got) != 0 {
		t.Errorf("snapshot after remove has %d entries, want 0", len(got))
	}
}

func TestMarkAtRisk_ReordersWithinBandOnly(t *testing.T) {
	t.Parallel()

	q := New()
	l2 := entry(acuity.Level2, 0)
	early := entry(acuity.Level3, 0)
	late := entry(acuity.Level3, 30*time.Minute)
	q.Upsert(l2)
	q.Upsert(early)
	q.Upsert(late)

	if !q.MarkAtRisk(late.PatientID) {
		t.Fatal("MarkAtRisk returned false for unflagged entry")
	}

	snap := q.Snapshot()
	if snap[0].PatientID != l2.PatientID {
		t.Error("at-risk level-3 entry outranked a level-2 entry")
	}
	if snap[1].PatientID != late.PatientID {
		t.Error("at-risk entry did not surface above same-band peers")
	}
	if !snap[1].AtRisk {
		t.Error("snapshot entry missing at-risk flag")
	}

	// Second mark is a no-op.
	if q.MarkAtRisk(late.PatientID) {
		t.Error("MarkAtRisk returned true for already-flagged entry")
	}
}

func TestMarkAtRisk_UnknownPatient(t *testing.T) {
	t.Parallel()

	q := New()
	if q.MarkAtRisk(uuid.New()) {
		t.Error("MarkAtRisk returned true for unknown patient")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	q := New()
	e := entry(acuity.Level3, 0)
	q.Upsert(e)

	if !q.Remove(e.PatientID) {
		t.Error("Remove returned false for present entry")
	}
	if q.Remove(e.PatientID) {
		t.Error("Remove returned true for absent entry")
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}
}

func TestCheckOrderAndRebuild(t *testing.T) {
	t.Parallel()

	q := New()
	entries := []Entry{
		entry(acuity.Level2, 0),
		entry(acuity.Level1, time.Minute),
		entry(acuity.Level4, 2*time.Minute),
	}
	for _, e := range entries {
		q.Upsert(e)
	}

	if err := q.CheckOrder(); err != nil {
		t.Fatalf("CheckOrder = %v, want nil", err)
	}

	q.Rebuild(entries)
	if q.Len() != 3 {
		t.Fatalf("len after rebuild = %d, want 3", q.Len())
	}
	if err := q.CheckOrder(); err != nil {
		t.Fatalf("CheckOrder after rebuild = %v, want nil", err)
	}
}

func TestQueue_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	q := New()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range 50 {
				e := entry(acuity.Level(worker%5+1), time.Duration(j)*time.Second)
				q.Upsert(e)
				q.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	if err := q.CheckOrder(); err != nil {
		t.Fatalf("CheckOrder after concurrent upserts = %v", err)
	}
	if q.Len() != 8*50 {
		t.Errorf("len = %d, want %d", q.Len(), 8*50)
	}
}
