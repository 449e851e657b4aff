// Package pgstore provides a PostgreSQL implementation of flow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/flow"
	"github.com/linnemanlabs/patientflow/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/patientflow/internal/flow/pgstore")

//go:embed schema.sql
var schema string

// Store persists patient records and assessment history in PostgreSQL.
// Optimistic concurrency rides on the patients.current_version column: every
// write is a conditional UPDATE, so two writers for the same patient can
// never both commit.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const assessmentColumns = `id, patient_id, version, level, disposition, source,
	findings, flags, assessor_id, observation, fingerprint, created_at`

// Create registers a new active patient.
func (s *Store) Create(ctx context.Context, rec *flow.PatientRecord) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO patients (patient_id, arrival, state, current_version, updated_at)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (patient_id) DO NOTHING`,
		rec.PatientID, rec.Arrival, string(rec.State), rec.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patient %s already registered", flow.ErrStateConflict, rec.PatientID)
	}
	return nil
}

// Load retrieves the latest committed record for an active patient.
func (s *Store) Load(ctx context.Context, patientID uuid.UUID) (*flow.PatientRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT p.patient_id, p.arrival, p.state, p.current_version, p.updated_at,
		` + prefixed("a", assessmentColumns) + `
	FROM patients p
	LEFT JOIN assessments a ON a.patient_id = p.patient_id AND a.version = p.current_version
	WHERE p.patient_id = $1 AND NOT p.archived`

	rec, err := scanRecordRow(s.pool.QueryRow(ctx, query, patientID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// AppendAssessment commits a new assessment version and the resulting state
// in one transaction. The conditional version bump is the concurrency gate.
func (s *Store) AppendAssessment(ctx context.Context, patientID uuid.UUID, a *flow.Assessment, to flow.State) error {
	ctx, span := tracer.Start(ctx, "pgstore.AppendAssessment", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`UPDATE patients
		 SET current_version = $2, state = $3, updated_at = $4
		 WHERE patient_id = $1 AND NOT archived AND current_version = $2 - 1`,
		patientID, a.Version, string(to), a.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictError(ctx, patientID, a.Version-1)
	}

	if err := insertAssessment(ctx, tx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateState commits a state-only transition checked against the expected
// version.
func (s *Store) UpdateState(ctx context.Context, patientID uuid.UUID, expectVersion int, to flow.State) error {
	ctx, span := tracer.Start(ctx, "pgstore.UpdateState", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE patients SET state = $3, updated_at = now()
		 WHERE patient_id = $1 AND NOT archived AND current_version = $2`,
		patientID, expectVersion, string(to),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictError(ctx, patientID, expectVersion)
	}
	return nil
}

// History returns all committed assessment versions, oldest first. History
// survives archiving.
func (s *Store) History(ctx context.Context, patientID uuid.UUID) ([]*flow.Assessment, error) {
	ctx, span := tracer.Start(ctx, "pgstore.History", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE patient_id = $1 ORDER BY version`,
		patientID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*flow.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// ListActive returns every active record with its current assessment.
func (s *Store) ListActive(ctx context.Context) ([]*flow.PatientRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT p.patient_id, p.arrival, p.state, p.current_version, p.updated_at,
		` + prefixed("a", assessmentColumns) + `
	FROM patients p
	LEFT JOIN assessments a ON a.patient_id = p.patient_id AND a.version = p.current_version
	WHERE NOT p.archived`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query active: %w", err)
	}
	defer rows.Close()

	var out []*flow.PatientRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate active: %w", err)
	}
	return out, nil
}

// Archive removes the patient from the active set. Rows stay for history.
func (s *Store) Archive(ctx context.Context, patientID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "pgstore.Archive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE patients SET archived = TRUE WHERE patient_id = $1 AND NOT archived`,
		patientID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flow.ErrNotFound
	}
	return nil
}

// conflictError distinguishes a missing patient from a stale version after a
// conditional write matched no rows.
func (s *Store) conflictError(ctx context.Context, patientID uuid.UUID, expectVersion int) error {
	var current int
	err := s.pool.QueryRow(ctx,
		`SELECT current_version FROM patients WHERE patient_id = $1 AND NOT archived`,
		patientID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return fmt.Errorf("%w: committed version is %d, command expects %d", flow.ErrVersionConflict, current, expectVersion)
}

func insertAssessment(ctx context.Context, tx pgx.Tx, a *flow.Assessment) error {
	findingsJSON, err := json.Marshal(a.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	flagsJSON, err := json.Marshal(a.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	obsJSON, err := json.Marshal(a.Observation)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}

	var assessor *uuid.UUID
	if a.AssessorID != uuid.Nil {
		assessor = &a.AssessorID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO assessments (`+assessmentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.PatientID, a.Version, int(a.Level), string(a.Disposition), string(a.Source),
		findingsJSON, flagsJSON, assessor, obsJSON, a.Fingerprint, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assessment v%d: %w", a.Version, err)
	}
	return nil
}

// scanRecordRow scans a single joined row into a PatientRecord.
// Returns (nil, nil) when no row is found.
func scanRecordRow(row pgx.Row) (*flow.PatientRecord, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row pgx.Row) (*flow.PatientRecord, error) {
	var (
		rec            flow.PatientRecord
		state          string
		currentVersion int

		aID          *string
		aPatientID   *uuid.UUID
		aVersion     *int
		aLevel       *int
		aDisposition *string
		aSource      *string
		findingsJSON []byte
		flagsJSON    []byte
		assessorID   *uuid.UUID
		obsJSON      []byte
		fingerprint  *string
		createdAt    *time.Time
	)

	err := row.Scan(
		&rec.PatientID, &rec.Arrival, &state, &currentVersion, &rec.UpdatedAt,
		&aID, &aPatientID, &aVersion, &aLevel, &aDisposition, &aSource,
		&findingsJSON, &flagsJSON, &assessorID, &obsJSON, &fingerprint, &createdAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.State = flow.State(state)

	if aID == nil {
		// No assessment yet; the patient is between arrival and first score.
		return &rec, nil
	}

	a := &flow.Assessment{
		ID:          *aID,
		PatientID:   *aPatientID,
		Version:     *aVersion,
		Level:       acuity.Level(*aLevel),
		Disposition: acuity.Disposition(*aDisposition),
		Source:      acuity.Source(*aSource),
		Fingerprint: *fingerprint,
		CreatedAt:   *createdAt,
	}
	if assessorID != nil {
		a.AssessorID = *assessorID
	}
	if err := json.Unmarshal(findingsJSON, &a.Findings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := json.Unmarshal(flagsJSON, &a.Flags); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	if err := json.Unmarshal(obsJSON, &a.Observation); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}

	rec.Current = a
	return &rec, nil
}

func scanAssessment(row pgx.Row) (*flow.Assessment, error) {
	var (
		a            flow.Assessment
		level        int
		disposition  string
		source       string
		findingsJSON []byte
		flagsJSON    []byte
		assessorID   *uuid.UUID
		obsJSON      []byte
	)

	err := row.Scan(
		&a.ID, &a.PatientID, &a.Version, &level, &disposition, &source,
		&findingsJSON, &flagsJSON, &assessorID, &obsJSON, &a.Fingerprint, &a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan assessment: %w", err)
	}

	a.Level = acuity.Level(level)
	a.Disposition = acuity.Disposition(disposition)
	a.Source = acuity.Source(source)
	if assessorID != nil {
		a.AssessorID = *assessorID
	}
	if err := json.Unmarshal(findingsJSON, &a.Findings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := json.Unmarshal(flagsJSON, &a.Flags); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	if err := json.Unmarshal(obsJSON, &a.Observation); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	return &a, nil
}

// prefixed rewrites a column list to qualify each column with a table alias.
func prefixed(alias, columns string) string {
	out := make([]byte, 0, len(columns)+32)
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}
