package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/alert"
	"github.com/linnemanlabs/patientflow/internal/flow/queue"
	"github.com/linnemanlabs/patientflow/internal/vitals"
)

// Service is the business boundary for the patient-flow engine. It owns the
// workflow state machine, optimistic-concurrency checks, queue placement and
// alert emission for one care unit.
type Service struct {
	store       Store
	queue       *queue.Queue
	dispatcher  Dispatcher // nil disables outbound alerts
	logger      log.Logger
	metrics     *Metrics
	alertBucket time.Duration
}

// NewService creates the engine service. alertBucket is the de-duplication
// window for outbound alerts, normally the escalation monitor interval.
func NewService(store Store, q *queue.Queue, dispatcher Dispatcher, logger log.Logger, metrics *Metrics, alertBucket time.Duration) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:       store,
		queue:       q,
		dispatcher:  dispatcher,
		logger:      logger,
		metrics:     metrics,
		alertBucket: alertBucket,
	}
}

// Queue exposes the care unit's triage queue for snapshot readers and the
// escalation monitor.
func (s *Service) Queue() *queue.Queue { return s.queue }

// RecordObservationCmd carries one observation submission.
type RecordObservationCmd struct {
	PatientID     uuid.UUID
	Snapshot      vitals.ObservationSnapshot
	Flags         acuity.ContextFlags
	AssessorID    uuid.UUID
	ExpectVersion int
}

// OverrideCmd carries a manual acuity decision by an authorized assessor.
type OverrideCmd struct {
	PatientID     uuid.UUID
	Level         acuity.Level
	AssessorID    uuid.UUID
	ExpectVersion int
}

// Register creates the active entry for a newly arrived patient. The entry
// joins the ordered queue once its first assessment commits.
func (s *Service) Register(ctx context.Context, patientID uuid.UUID, arrival time.Time) (*PatientRecord, error) {
	if arrival.IsZero() {
		arrival = time.Now().UTC()
	}
	rec := &PatientRecord{
		PatientID: patientID,
		Arrival:   arrival,
		State:     StateArrived,
		UpdatedAt: arrival,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.count("register", outcomeOf(err))
		return nil, err
	}

	s.count("register", "ok")
	s.logger.Info(ctx, "patient registered", "patient_id", patientID, "arrival", arrival)
	return rec, nil
}

// RecordObservation validates and evaluates a snapshot, scores it, commits a
// new assessment version and relocates the patient's queue entry. Submitting
// a snapshot identical to the current assessment's is a no-op: no new
// version, no alert.
func (s *Service) RecordObservation(ctx context.Context, cmd RecordObservationCmd) (*PatientRecord, error) {
	if err := vitals.Validate(cmd.Snapshot); err != nil {
		s.count("record_observation", "invalid")
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rec, err := s.loadForUpdate(ctx, cmd.PatientID, cmd.ExpectVersion)
	if err != nil {
		s.count("record_observation", outcomeOf(err))
		return nil, err
	}

	// A duplicate is the same snapshot under the same context flags:
	// scoring inputs are (findings, flags), so changed flags must
	// re-score even when the vitals have not moved.
	fp := cmd.Snapshot.Fingerprint()
	if cur := rec.Current; cur != nil && cur.Fingerprint == fp && cur.Flags == cmd.Flags {
		s.count("record_observation", "duplicate")
		s.logger.Info(ctx, "duplicate snapshot ignored",
			"patient_id", cmd.PatientID, "version", cur.Version, "fingerprint", fp)
		return rec, nil
	}

	rep := vitals.Evaluate(cmd.Snapshot)
	res := acuity.Score(rep, cmd.Flags, nil)

	// The escalation loop re-enters Scored only on a newly critical
	// finding; otherwise treatment continues with the refreshed version.
	next := StateScored
	if rec.State == StateInTreatment && !newlyCritical(rec.Current, rep.Findings) {
		next = StateInTreatment
	}

	a := &Assessment{
		ID:          ulid.Make().String(),
		PatientID:   cmd.PatientID,
		Version:     rec.Version() + 1,
		Level:       res.Level,
		Disposition: res.Disposition,
		Source:      res.Source,
		Findings:    sortedFindings(rep.Findings),
		Flags:       cmd.Flags,
		AssessorID:  cmd.AssessorID,
		Observation: cmd.Snapshot,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.AppendAssessment(ctx, cmd.PatientID, a, next); err != nil {
		s.count("record_observation", outcomeOf(err))
		return nil, err
	}
	rec.Current = a
	rec.State = next
	rec.UpdatedAt = a.CreatedAt

	s.place(rec)
	s.count("record_observation", "ok")
	if s.metrics != nil {
		s.metrics.AssessmentsTotal.WithLabelValues(strconv.Itoa(int(a.Level)), string(a.Source)).Inc()
	}

	s.logger.Info(ctx, "assessment committed",
		"patient_id", cmd.PatientID,
		"assessment_id", a.ID,
		"version", a.Version,
		"level", int(a.Level),
		"disposition", a.Disposition,
		"findings", len(a.Findings),
		"state", next,
	)

	if len(a.Findings) > 0 {
		s.dispatch(ctx, alert.New(alert.KindCriticalFinding, cmd.PatientID, a.Level, a.CreatedAt, s.alertBucket))
	}

	return rec, nil
}

// ManualOverride commits an override assessment version. The override is the
// assessment's source of truth and doubles as disposition confirmation.
func (s *Service) ManualOverride(ctx context.Context, cmd OverrideCmd) (*PatientRecord, error) {
	if !cmd.Level.Valid() {
		s.count("manual_override", "invalid")
		return nil, fmt.Errorf("%w: acuity level %d outside 1..5", ErrValidation, cmd.Level)
	}

	rec, err := s.loadForUpdate(ctx, cmd.PatientID, cmd.ExpectVersion)
	if err != nil {
		s.count("manual_override", outcomeOf(err))
		return nil, err
	}
	if rec.Current == nil {
		s.count("manual_override", "state_conflict")
		return nil, fmt.Errorf("%w: no completed score to override", ErrStateConflict)
	}

	res := acuity.Score(vitals.Report{}, rec.Current.Flags, &acuity.Override{Level: cmd.Level, AssessorID: cmd.AssessorID})

	prev := rec.Current
	a := &Assessment{
		ID:          ulid.Make().String(),
		PatientID:   cmd.PatientID,
		Version:     prev.Version + 1,
		Level:       res.Level,
		Disposition: res.Disposition,
		Source:      res.Source,
		Findings:    append([]vitals.Parameter(nil), prev.Findings...),
		Flags:       prev.Flags,
		AssessorID:  cmd.AssessorID,
		Observation: prev.Observation,
		Fingerprint: prev.Fingerprint,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.AppendAssessment(ctx, cmd.PatientID, a, StateDispositioned); err != nil {
		s.count("manual_override", outcomeOf(err))
		return nil, err
	}
	rec.Current = a
	rec.State = StateDispositioned
	rec.UpdatedAt = a.CreatedAt

	s.place(rec)
	s.count("manual_override", "ok")
	if s.metrics != nil {
		s.metrics.AssessmentsTotal.WithLabelValues(strconv.Itoa(int(a.Level)), string(a.Source)).Inc()
	}

	s.logger.Info(ctx, "manual override committed",
		"patient_id", cmd.PatientID,
		"assessment_id", a.ID,
		"version", a.Version,
		"level", int(a.Level),
		"assessor_id", cmd.AssessorID,
	)
	return rec, nil
}

// ConfirmDisposition records assessor confirmation of the scored
// disposition. Requires a completed score; a confirmation is a state
// transition, not a reassessment, so no new version is created.
func (s *Service) ConfirmDisposition(ctx context.Context, patientID, assessorID uuid.UUID, expectVersion int) (*PatientRecord, error) {
	rec, err := s.transition(ctx, "confirm_disposition", patientID, expectVersion, StateDispositioned)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "disposition confirmed",
		"patient_id", patientID,
		"disposition", rec.Current.Disposition,
		"assessor_id", assessorID,
	)
	return rec, nil
}

// StartTreatment moves a dispositioned patient into treatment.
func (s *Service) StartTreatment(ctx context.Context, patientID uuid.UUID, expectVersion int) (*PatientRecord, error) {
	return s.transition(ctx, "start_treatment", patientID, expectVersion, StateInTreatment)
}

// Discharge ends care. The entry leaves the active set atomically, which
// also cancels any pending escalation for the patient.
func (s *Service) Discharge(ctx context.Context, patientID uuid.UUID, expectVersion int) error {
	return s.terminate(ctx, "discharge", patientID, expectVersion, StateDischarged)
}

// Cancel abandons the visit from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, patientID uuid.UUID, expectVersion int) error {
	return s.terminate(ctx, "cancel", patientID, expectVersion, StateCancelled)
}

// Get returns a patient's latest committed record.
func (s *Service) Get(ctx context.Context, patientID uuid.UUID) (*PatientRecord, bool, error) {
	return s.store.Load(ctx, patientID)
}

// History returns all committed assessment versions, oldest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error) {
	return s.store.History(ctx, patientID)
}

// QueueSnapshot returns the current total order of scored active patients.
func (s *Service) QueueSnapshot() []queue.Entry {
	return s.queue.Snapshot()
}

// Reconcile rebuilds queue order from committed assessments, preserving
// at-risk flags already raised by the escalation monitor. Invoked after an
// invariant failure; never called on the hot path.
func (s *Service) Reconcile(ctx context.Context) error {
	recs, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list active: %w", err)
	}

	atRisk := make(map[uuid.UUID]bool)
	for _, e := range s.queue.Snapshot() {
		atRisk[e.PatientID] = e.AtRisk
	}

	entries := make([]queue.Entry, 0, len(recs))
	for _, rec := range recs {
		if rec.Current == nil {
			continue
		}
		entries = append(entries, queue.Entry{
			PatientID:    rec.PatientID,
			Level:        rec.Current.Level,
			Disposition:  rec.Current.Disposition,
			AtRisk:       atRisk[rec.PatientID],
			Arrival:      rec.Arrival,
			Version:      rec.Current.Version,
			AssessmentID: rec.Current.ID,
		})
	}

	s.queue.Rebuild(entries)
	if s.metrics != nil {
		s.metrics.ReconciliationsTotal.Inc()
	}
	s.logger.Warn(ctx, "queue rebuilt from committed assessments", "entries", len(entries))
	return nil
}

// loadForUpdate loads the record and applies the terminal-state and
// optimistic-concurrency checks shared by every mutating command.
func (s *Service) loadForUpdate(ctx context.Context, patientID uuid.UUID, expectVersion int) (*PatientRecord, error) {
	rec, ok, err := s.store.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if Terminal(rec.State) {
		return nil, fmt.Errorf("%w: patient is %s", ErrStateConflict, rec.State)
	}
	if rec.Version() != expectVersion {
		return nil, fmt.Errorf("%w: have %d, command expects %d", ErrVersionConflict, rec.Version(), expectVersion)
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, command string, patientID uuid.UUID, expectVersion int, to State) (*PatientRecord, error) {
	rec, err := s.loadForUpdate(ctx, patientID, expectVersion)
	if err != nil {
		s.count(command, outcomeOf(err))
		return nil, err
	}
	if rec.Current == nil || !CanTransition(rec.State, to) {
		s.count(command, "state_conflict")
		return nil, fmt.Errorf("%w: %s from %s", ErrStateConflict, to, rec.State)
	}

	if err := s.store.UpdateState(ctx, patientID, expectVersion, to); err != nil {
		s.count(command, outcomeOf(err))
		return nil, err
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	s.count(command, "ok")
	return rec, nil
}

func (s *Service) terminate(ctx context.Context, command string, patientID uuid.UUID, expectVersion int, to State) error {
	rec, err := s.loadForUpdate(ctx, patientID, expectVersion)
	if err != nil {
		s.count(command, outcomeOf(err))
		return err
	}
	if !CanTransition(rec.State, to) {
		s.count(command, "state_conflict")
		return fmt.Errorf("%w: %s from %s", ErrStateConflict, to, rec.State)
	}

	if err := s.store.UpdateState(ctx, patientID, expectVersion, to); err != nil {
		s.count(command, outcomeOf(err))
		return err
	}
	if err := s.store.Archive(ctx, patientID); err != nil {
		s.count(command, "error")
		return err
	}
	s.queue.Remove(patientID)

	s.count(command, "ok")
	s.logger.Info(ctx, "patient left active set", "patient_id", patientID, "state", to)
	return nil
}

// place relocates the patient's queue entry after a committed assessment.
// A new version always clears the at-risk flag: the reassessment resets the
// patient's arrival-relative urgency context.
func (s *Service) place(rec *PatientRecord) {
	start := time.Now()
	s.queue.Upsert(queue.Entry{
		PatientID:    rec.PatientID,
		Level:        rec.Current.Level,
		Disposition:  rec.Current.Disposition,
		AtRisk:       false,
		Arrival:      rec.Arrival,
		Version:      rec.Current.Version,
		AssessmentID: rec.Current.ID,
	})
	if s.metrics != nil {
		s.metrics.QueueUpsertDuration.Observe(time.Since(start).Seconds())
	}
}

// dispatch hands an alert to the notification boundary and moves on. A
// failed dispatch is logged and never blocks workflow progress.
func (s *Service) dispatch(ctx context.Context, a *alert.Alert) {
	outcome := "ok"
	if s.dispatcher == nil {
		outcome = "disabled"
	} else if err := s.dispatcher.Dispatch(ctx, a); err != nil {
		outcome = "error"
		s.logger.Warn(ctx, "alert dispatch failed",
			"alert_id", a.ID, "kind", a.Kind, "patient_id", a.PatientID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.AlertsTotal.WithLabelValues(string(a.Kind), outcome).Inc()
	}
}

func (s *Service) count(command, outcome string) {
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
	}
}

// newlyCritical reports whether the findings contain a parameter the current
// assessment did not already flag.
func newlyCritical(cur *Assessment, findings vitals.Findings) bool {
	if cur == nil {
		return len(findings) > 0
	}
	for p := range findings {
		if !cur.HasFinding(p) {
			return true
		}
	}
	return false
}

func sortedFindings(f vitals.Findings) []vitals.Parameter {
	out := make([]vitals.Parameter, 0, len(f))
	for p := range f {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
