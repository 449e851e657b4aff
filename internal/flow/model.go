package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/vitals"
)

// State tracks where a patient is in the assessment workflow.
type State string

const (
	// StateArrived means registered, no vitals recorded yet.
	StateArrived State = "arrived"

	// StateVitalsRecorded means a snapshot exists but scoring has not run.
	// Transient: recording an observation scores it in the same commit.
	StateVitalsRecorded State = "vitals_recorded"

	// StateScored means a completed evaluator + scorer pass exists.
	StateScored State = "scored"

	// StateDispositioned means an assessor confirmed the disposition.
	StateDispositioned State = "dispositioned"

	// StateInTreatment means care is underway.
	StateInTreatment State = "in_treatment"

	// StateDischarged is terminal.
	StateDischarged State = "discharged"

	// StateCancelled is terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func Terminal(s State) bool {
	return s == StateDischarged || s == StateCancelled
}

// transitions is the allowed edge set of the workflow state machine.
// VitalsRecorded is transient: recording an observation scores it in the
// same commit, so Arrived steps straight to Scored. InTreatment re-enters
// Scored when a new observation carries a newly critical finding (the
// escalation loop).
var transitions = map[State][]State{
	StateArrived:        {StateVitalsRecorded, StateScored, StateCancelled},
	StateVitalsRecorded: {StateScored, StateCancelled},
	StateScored:         {StateScored, StateDispositioned, StateCancelled},
	StateDispositioned:  {StateScored, StateInTreatment, StateDischarged, StateCancelled},
	StateInTreatment:    {StateScored, StateInTreatment, StateDischarged, StateCancelled},
}

// CanTransition reports whether the edge from → to is in the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Assessment is one committed acuity classification. Committed assessments
// are immutable; a reassessment appends a new version, never edits in place,
// so a patient's history is always reconstructable.
type Assessment struct {
	ID          string                     `json:"id"`
	PatientID   uuid.UUID                  `json:"patient_id"`
	Version     int                        `json:"version"`
	Level       acuity.Level               `json:"level"`
	Disposition acuity.Disposition         `json:"disposition"`
	Source      acuity.Source              `json:"source"`
	Findings    []vitals.Parameter         `json:"findings,omitempty"`
	Flags       acuity.ContextFlags        `json:"flags"`
	AssessorID  uuid.UUID                  `json:"assessor_id"`
	Observation vitals.ObservationSnapshot `json:"observation"`
	Fingerprint string                     `json:"fingerprint"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// HasFinding reports whether the assessment recorded the parameter critical.
func (a *Assessment) HasFinding(p vitals.Parameter) bool {
	for _, f := range a.Findings {
		if f == p {
			return true
		}
	}
	return false
}

// PatientRecord is the engine's view of one active patient: workflow state
// plus the single current assessment. Exactly one current assessment exists
// per active patient; prior versions live in the store's history.
type PatientRecord struct {
	PatientID uuid.UUID   `json:"patient_id"`
	Arrival   time.Time   `json:"arrival"`
	State     State       `json:"state"`
	Current   *Assessment `json:"current,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Version returns the current assessment version, 0 before the first score.
func (r *PatientRecord) Version() int {
	if r.Current == nil {
		return 0
	}
	return r.Current.Version
}
