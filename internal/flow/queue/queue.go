// Package queue maintains the total order of active patients for one care
// unit. Entries are indexed by (acuity level, at-risk flag, arrival time) in
// a B-tree, so an upsert relocates only the affected entry in O(log n) and
// never re-sorts unaffected peers. Snapshots walk a copy-on-write clone, so
// readers never hold a lock across the whole read.
package queue

import (
	"bytes"
	"errors"
	"time"

	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/acuity"
)

// ErrOutOfOrder reports a band-ordering violation detected by CheckOrder.
// Callers treat it as an invariant failure and rebuild from committed state.
var ErrOutOfOrder = errors.New("queue band ordering violated")

const btreeDegree = 16

// Entry is one active patient's position in the queue.
type Entry struct {
	PatientID    uuid.UUID          `json:"patient_id"`
	Level        acuity.Level       `json:"level"`
	Disposition  acuity.Disposition `json:"disposition"`
	AtRisk       bool               `json:"at_risk"`
	Arrival      time.Time          `json:"arrival"`
	Version      int                `json:"version"`
	AssessmentID string             `json:"assessment_id"`
}

// less orders entries by acuity band first, then at-risk entries within the
// band, then first-come-first-served. Patient ID breaks exact arrival ties
// so the order is total.
func less(a, b Entry) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.AtRisk != b.AtRisk {
		return a.AtRisk
	}
	if !a.Arrival.Equal(b.Arrival) {
		return a.Arrival.Before(b.Arrival)
	}
	return bytes.Compare(a.PatientID[:], b.PatientID[:]) < 0
}

// Queue is the ordered active set for one care unit. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	tree      *btree.BTreeG[Entry]
	byPatient map[uuid.UUID]Entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		tree:      btree.NewG(btreeDegree, less),
		byPatient: make(map[uuid.UUID]Entry),
	}
}

// Upsert inserts the entry or relocates the patient's existing entry to its
// new position. Only the one entry moves.
func (q *Queue) Upsert(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.byPatient[e.PatientID]; ok {
		q.tree.Delete(old)
	}
	q.tree.ReplaceOrInsert(e)
	q.byPatient[e.PatientID] = e
}

// Remove drops the patient's entry. Reports whether an entry existed.
func (q *Queue) Remove(patientID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	old, ok := q.byPatient[patientID]
	if !ok {
		return false
	}
	q.tree.Delete(old)
	delete(q.byPatient, patientID)
	return true
}

// MarkAtRisk sets the at-risk flag, relocating the entry within its band.
// Reports whether the flag changed; an already-flagged or absent entry is
// left untouched.
func (q *Queue) MarkAtRisk(patientID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	old, ok := q.byPatient[patientID]
	if !ok || old.AtRisk {
		return false
	}
	q.tree.Delete(old)
	old.AtRisk = true
	q.tree.ReplaceOrInsert(old)
	q.byPatient[patientID] = old
	return true
}

// Get returns the patient's current entry.
func (q *Queue) Get(patientID uuid.UUID) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byPatient[patientID]
	return e, ok
}

// Len returns the number of active entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Snapshot returns every entry in queue order. The lock covers only the
// copy-on-write clone of the tree; the walk itself runs lock-free and
// reflects the most recently committed upsert.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	clone := q.tree.Clone()
	q.mu.Unlock()

	out := make([]Entry, 0, clone.Len())
	clone.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// CountByLevel returns the number of entries per acuity band.
func (q *Queue) CountByLevel() map[acuity.Level]int {
	counts := make(map[acuity.Level]int, 5)
	for _, e := range q.Snapshot() {
		counts[e.Level]++
	}
	return counts
}

// CheckOrder verifies the band-ordering invariant: no entry with a less
// urgent level precedes a more urgent one. Returns ErrOutOfOrder on failure.
func (q *Queue) CheckOrder() error {
	entries := q.Snapshot()
	for i := 1; i < len(entries); i++ {
		if entries[i].Level < entries[i-1].Level {
			return ErrOutOfOrder
		}
	}
	return nil
}

// Rebuild atomically replaces the whole queue with the given entries. Used
// by the reconciliation pass after an invariant failure.
func (q *Queue) Rebuild(entries []Entry) {
	tree := btree.NewG(btreeDegree, less)
	byPatient := make(map[uuid.UUID]Entry, len(entries))
	for _, e := range entries {
		if old, ok := byPatient[e.PatientID]; ok {
			tree.Delete(old)
		}
		tree.ReplaceOrInsert(e)
		byPatient[e.PatientID] = e
	}

	q.mu.Lock()
	q.tree = tree
	q.byPatient = byPatient
	q.mu.Unlock()
}
