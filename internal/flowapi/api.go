// Package flowapi exposes the patient-flow engine over HTTP.
package flowapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/patientflow/internal/alert"
	"github.com/linnemanlabs/patientflow/internal/flow"
	"github.com/linnemanlabs/patientflow/internal/flow/queue"
)

// FlowService defines the business operations flowapi needs.
type FlowService interface {
	Register(ctx context.Context, patientID uuid.UUID, arrival time.Time) (*flow.PatientRecord, error)
	RecordObservation(ctx context.Context, cmd flow.RecordObservationCmd) (*flow.PatientRecord, error)
	ManualOverride(ctx context.Context, cmd flow.OverrideCmd) (*flow.PatientRecord, error)
	ConfirmDisposition(ctx context.Context, patientID, assessorID uuid.UUID, expectVersion int) (*flow.PatientRecord, error)
	StartTreatment(ctx context.Context, patientID uuid.UUID, expectVersion int) (*flow.PatientRecord, error)
	Discharge(ctx context.Context, patientID uuid.UUID, expectVersion int) error
	Cancel(ctx context.Context, patientID uuid.UUID, expectVersion int) error
	Get(ctx context.Context, patientID uuid.UUID) (*flow.PatientRecord, bool, error)
	History(ctx context.Context, patientID uuid.UUID) ([]*flow.Assessment, error)
	QueueSnapshot() []queue.Entry
}

// AlertRegistry is the acknowledgement surface of the alert dispatcher.
type AlertRegistry interface {
	Ack(alertID string) bool
	Recent() []*alert.Alert
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    FlowService
	alerts AlertRegistry // nil disables the alert endpoints
}

// New creates a new API handler.
func New(logger log.Logger, svc FlowService, alerts AlertRegistry) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("flow service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		alerts: alerts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/patients", a.handleRegister)
		r.Get("/patients/{id}", a.handleGetPatient)
		r.Get("/patients/{id}/history", a.handleHistory)
		r.Post("/patients/{id}/observations", a.handleRecordObservation)
		r.Post("/patients/{id}/override", a.handleOverride)
		r.Post("/patients/{id}/disposition", a.handleConfirmDisposition)
		r.Post("/patients/{id}/treatment", a.handleStartTreatment)
		r.Post("/patients/{id}/discharge", a.handleDischarge)
		r.Post("/patients/{id}/cancel", a.handleCancel)
		r.Get("/queue", a.handleQueue)

		if a.alerts != nil {
			r.Get("/alerts", a.handleListAlerts)
			r.Post("/alerts/{id}/ack", a.handleAckAlert)
		}
	})
}

// patientID parses the path parameter, writing a 400 on failure.
func (a *API) patientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed patient id")
		return uuid.Nil, false
	}
	return id, true
}

// writeCommandError maps engine sentinels onto HTTP statuses.
func (a *API) writeCommandError(w http.ResponseWriter, r *http.Request, err error, command string) {
	switch {
	case errors.Is(err, flow.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, flow.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, flow.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, flow.ErrNotFound):
		writeError(w, http.StatusNotFound, "patient not found")
	default:
		a.logger.Error(r.Context(), err, "command failed", "command", command)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
