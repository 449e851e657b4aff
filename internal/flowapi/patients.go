package flowapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/authmw"
	"github.com/linnemanlabs/patientflow/internal/flow"
	"github.com/linnemanlabs/patientflow/internal/vitals"
)

type registerRequest struct {
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	Arrival   *time.Time `json:"arrival,omitempty"`
}

type observationRequest struct {
	Snapshot      vitals.ObservationSnapshot `json:"snapshot"`
	Flags         acuity.ContextFlags        `json:"flags"`
	ExpectVersion int                        `json:"expect_version"`
}

type overrideRequest struct {
	Level         int `json:"level"`
	ExpectVersion int `json:"expect_version"`
}

type versionRequest struct {
	ExpectVersion int `json:"expect_version"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	patientID := uuid.New()
	if req.PatientID != nil {
		patientID = *req.PatientID
	}
	var arrival time.Time
	if req.Arrival != nil {
		arrival = *req.Arrival
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("patientflow.patient.id", patientID.String()))

	rec, err := a.svc.Register(r.Context(), patientID, arrival)
	if err != nil {
		a.writeCommandError(w, r, err, "register")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleRecordObservation(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}
	var req observationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	assessorID, _ := authmw.AssessorFromContext(r.Context())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("patientflow.patient.id", patientID.String()),
		attribute.Int("patientflow.expect_version", req.ExpectVersion),
	)

	rec, err := a.svc.RecordObservation(r.Context(), flow.RecordObservationCmd{
		PatientID:     patientID,
		Snapshot:      req.Snapshot,
		Flags:         req.Flags,
		AssessorID:    assessorID,
		ExpectVersion: req.ExpectVersion,
	})
	if err != nil {
		a.writeCommandError(w, r, err, "record_observation")
		return
	}

	span.SetAttributes(
		attribute.Int("patientflow.acuity.level", int(rec.Current.Level)),
		attribute.Int("patientflow.assessment.version", rec.Version()),
	)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	assessorID, ok := authmw.AssessorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "assessor id required for overrides")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("patientflow.patient.id", patientID.String()),
		attribute.Int("patientflow.acuity.level", req.Level),
	)

	rec, err := a.svc.ManualOverride(r.Context(), flow.OverrideCmd{
		PatientID:     patientID,
		Level:         acuity.Level(req.Level),
		AssessorID:    assessorID,
		ExpectVersion: req.ExpectVersion,
	})
	if err != nil {
		a.writeCommandError(w, r, err, "manual_override")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleConfirmDisposition(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	assessorID, _ := authmw.AssessorFromContext(r.Context())

	rec, err := a.svc.ConfirmDisposition(r.Context(), patientID, assessorID, req.ExpectVersion)
	if err != nil {
		a.writeCommandError(w, r, err, "confirm_disposition")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleStartTreatment(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rec, err := a.svc.StartTreatment(r.Context(), patientID, req.ExpectVersion)
	if err != nil {
		a.writeCommandError(w, r, err, "start_treatment")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDischarge(w http.ResponseWriter, r *http.Request) {
	a.terminate(w, r, "discharge", a.svc.Discharge)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.terminate(w, r, "cancel", a.svc.Cancel)
}

func (a *API) terminate(w http.ResponseWriter, r *http.Request, command string, fn func(ctx context.Context, patientID uuid.UUID, expectVersion int) error) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := fn(r.Context(), patientID, req.ExpectVersion); err != nil {
		a.writeCommandError(w, r, err, command)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("patientflow.patient.id", patientID.String()))

	rec, found, err := a.svc.Get(r.Context(), patientID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load patient", "patient_id", patientID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}

	span.SetAttributes(attribute.String("patientflow.state", string(rec.State)))
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	patientID, ok := a.patientID(w, r)
	if !ok {
		return
	}

	versions, err := a.svc.History(r.Context(), patientID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load history", "patient_id", patientID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (a *API) handleQueue(w http.ResponseWriter, _ *http.Request) {
	entries := a.svc.QueueSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":   len(entries),
		"entries": entries,
	})
}

func (a *API) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": a.alerts.Recent()})
}

func (a *API) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.alerts.Ack(id) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	a.logger.Info(r.Context(), "alert acknowledged", "alert_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON body, tolerating an empty one.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
