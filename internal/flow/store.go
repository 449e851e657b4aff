package flow

import (
	"context"

	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/alert"
)

// Store is the system of record for patient records and assessment history.
// The engine does not cache beyond the in-memory queue structure.
//
// Writes are guarded by optimistic concurrency: AppendAssessment and
// UpdateState reject commits whose expected version no longer matches the
// stored record, returning ErrVersionConflict. Writers for different
// patients never block each other.
type Store interface {
	// Create registers a new active patient. Fails if the patient is
	// already active.
	Create(ctx context.Context, rec *PatientRecord) error

	// Load returns the latest committed record for a patient.
	Load(ctx context.Context, patientID uuid.UUID) (*PatientRecord, bool, error)

	// AppendAssessment commits a new assessment version and the resulting
	// workflow state. The assessment's Version must be exactly one greater
	// than the stored current version or ErrVersionConflict is returned.
	// Committed versions are immutable and retained as history.
	AppendAssessment(ctx context.Context, patientID uuid.UUID, a *Assessment, to State) error

	// UpdateState commits a state-only transition (no new assessment
	// version), checked against the expected version.
	UpdateState(ctx context.Context, patientID uuid.UUID, expectVersion int, to State) error

	// History returns all committed assessment versions, oldest first.
	History(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error)

	// ListActive returns every active (non-terminal) record, used by the
	// reconciliation pass to rebuild queue order from committed state.
	ListActive(ctx context.Context) ([]*PatientRecord, error)

	// Archive removes the patient from the active set after a terminal
	// transition. History is retained.
	Archive(ctx context.Context, patientID uuid.UUID) error
}

// Dispatcher is the outbound notification boundary. Dispatch is
// fire-and-forget from the engine's perspective: delivery retries, backoff
// and de-duplication are the dispatcher's own responsibility, and a dispatch
// failure never blocks clinical workflow progress.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *alert.Alert) error
}
