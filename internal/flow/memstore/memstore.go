// Package memstore provides an in-memory implementation of flow.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/flow"
	"github.com/linnemanlabs/patientflow/internal/vitals"
)

// Store holds patient records and assessment history in memory. Suitable
// for dev/testing and single-node deployments.
type Store struct {
	mu      sync.RWMutex
	active  map[uuid.UUID]*flow.PatientRecord
	history map[uuid.UUID][]*flow.Assessment // retained after archive
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		active:  make(map[uuid.UUID]*flow.PatientRecord),
		history: make(map[uuid.UUID][]*flow.Assessment),
	}
}

// Create registers a new active patient.
func (s *Store) Create(_ context.Context, rec *flow.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[rec.PatientID]; ok {
		return fmt.Errorf("%w: patient %s already active", flow.ErrStateConflict, rec.PatientID)
	}
	s.active[rec.PatientID] = copyRecord(rec)
	return nil
}

// Load retrieves the latest committed record for an active patient.
// Returns a copy.
func (s *Store) Load(_ context.Context, patientID uuid.UUID) (*flow.PatientRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.active[patientID]
	if !ok {
		return nil, false, nil
	}
	return copyRecord(rec), true, nil
}

// AppendAssessment commits a new assessment version with its resulting
// state. Versions must advance by exactly one.
func (s *Store) AppendAssessment(_ context.Context, patientID uuid.UUID, a *flow.Assessment, to flow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[patientID]
	if !ok {
		return flow.ErrNotFound
	}
	if a.Version != rec.Version()+1 {
		return fmt.Errorf("%w: committed version is %d, appending %d", flow.ErrVersionConflict, rec.Version(), a.Version)
	}

	cp := copyAssessment(a)
	s.history[patientID] = append(s.history[patientID], cp)
	rec.Current = cp
	rec.State = to
	rec.UpdatedAt = a.CreatedAt
	return nil
}

// UpdateState commits a state-only transition checked against the expected
// version.
func (s *Store) UpdateState(_ context.Context, patientID uuid.UUID, expectVersion int, to flow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[patientID]
	if !ok {
		return flow.ErrNotFound
	}
	if rec.Version() != expectVersion {
		return fmt.Errorf("%w: committed version is %d, command expects %d", flow.ErrVersionConflict, rec.Version(), expectVersion)
	}

	rec.State = to
	return nil
}

// History returns all committed assessment versions, oldest first. History
// survives archiving.
func (s *Store) History(_ context.Context, patientID uuid.UUID) ([]*flow.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.history[patientID]
	out := make([]*flow.Assessment, len(versions))
	for i, a := range versions {
		out[i] = copyAssessment(a)
	}
	return out, nil
}

// ListActive returns copies of every active record.
func (s *Store) ListActive(_ context.Context) ([]*flow.PatientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*flow.PatientRecord, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// Archive removes the patient from the active set, keeping history.
func (s *Store) Archive(_ context.Context, patientID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[patientID]; !ok {
		return flow.ErrNotFound
	}
	delete(s.active, patientID)
	return nil
}

func copyRecord(rec *flow.PatientRecord) *flow.PatientRecord {
	cp := *rec
	if rec.Current != nil {
		cp.Current = copyAssessment(rec.Current)
	}
	return &cp
}

func copyAssessment(a *flow.Assessment) *flow.Assessment {
	cp := *a
	cp.Findings = append([]vitals.Parameter(nil), a.Findings...)
	cp.Observation.SymptomTags = append([]string(nil), a.Observation.SymptomTags...)
	return &cp
}
