package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// OccurrenceStore holds the authoritative visit occurrences, the
// synthetic patient mapping for external patient keys, and the touch
// records driving status transitions.
type OccurrenceStore struct {
	db *sql.DB
}

func NewOccurrenceStore(db *sql.DB) *OccurrenceStore {
	return &OccurrenceStore{db: db}
}

const occurrenceSchema = `
CREATE SEQUENCE IF NOT EXISTS patient_synth_id_seq;

CREATE TABLE IF NOT EXISTS ext_patient_map (
	ext_source TEXT NOT NULL,
	ext_key TEXT NOT NULL,
	patient_id BIGINT NOT NULL DEFAULT nextval('patient_synth_id_seq'),
	PRIMARY KEY (ext_source, ext_key)
);

CREATE TABLE IF NOT EXISTS visit_occurrences (
	id BIGSERIAL PRIMARY KEY,
	tenant_id BIGINT NOT NULL,
	patient_id BIGINT NOT NULL,
	practitioner_id BIGINT NOT NULL,
	start_at TIMESTAMPTZ NOT NULL,
	end_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'planned',
	UNIQUE (tenant_id, patient_id, start_at)
);

CREATE TABLE IF NOT EXISTS visit_touches (
	id BIGSERIAL PRIMARY KEY,
	visit_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	note TEXT,
	lat DOUBLE PRECISION,
	lng DOUBLE PRECISION,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS visit_touches_visit ON visit_touches (visit_id, created_at DESC);
`

func (s *OccurrenceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, occurrenceSchema)
	return err
}

// IsBenignConflict reports whether err is a store-level rejection that
// indicates the intended effect already exists: a unique violation or
// an exclusion (overlapping range) violation.
func IsBenignConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" || pqErr.Code == "23P01"
	}
	return false
}

// ResolvePatient maps an external patient key to a stable synthetic
// patient id, creating the mapping race-safely: select, then
// insert-or-ignore, then a confirming select for the case where a
// concurrent worker won the insert.
func (s *OccurrenceStore) ResolvePatient(ctx context.Context, source, extKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_id FROM ext_patient_map WHERE ext_source = $1 AND ext_key = $2`,
		source, extKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO ext_patient_map (ext_source, ext_key)
		VALUES ($1, $2)
		ON CONFLICT (ext_source, ext_key) DO NOTHING
		RETURNING patient_id`,
		source, extKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT patient_id FROM ext_patient_map WHERE ext_source = $1 AND ext_key = $2`,
		source, extKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve patient %s/%s: %w", source, extKey, err)
	}
	return id, nil
}

// CreatePlanned inserts a new planned occurrence. Callers classify a
// returned error with IsBenignConflict before treating it as a failure.
func (s *OccurrenceStore) CreatePlanned(ctx context.Context, occ Occurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visit_occurrences (tenant_id, patient_id, practitioner_id, start_at, end_at, status)
		VALUES ($1, $2, $3, $4, $5, 'planned')`,
		occ.TenantID, occ.PatientID, occ.PractitionerID, occ.StartAt, occ.EndAt)
	return err
}

// CancelBySlot transitions the occurrence matching (tenant, patient,
// start) to canceled. It returns the number of rows affected; zero is
// not an error, since the creation event may have been filtered out.
func (s *OccurrenceStore) CancelBySlot(ctx context.Context, tenantID, patientID int64, startAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE visit_occurrences
		   SET status = 'canceled'
		 WHERE tenant_id = $1 AND patient_id = $2 AND start_at = $3`,
		tenantID, patientID, startAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordTouch inserts a touch record, deduplicating on its idempotency
// key. It reports duplicate=true both when the key is found up front
// and when the insert loses a race to a unique violation; the two
// cases are indistinguishable to the caller and handled identically.
func (s *OccurrenceStore) RecordTouch(ctx context.Context, t Touch) (duplicate bool, err error) {
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM visit_touches WHERE idempotency_key = $1`,
		t.IdempotencyKey).Scan(&one)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO visit_touches (visit_id, kind, at, note, lat, lng, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.VisitID, string(t.Kind), t.At, nullable(t.Note), t.Lat, t.Lng, t.IdempotencyKey)
	if err != nil {
		if IsBenignConflict(err) {
			return true, nil
		}
		return false, fmt.Errorf("insert touch: %w", err)
	}
	return false, nil
}

// ApplyTransition drives the occurrence's status toward the touch's
// target, constrained to the allowed from-set. Applying a transition
// that already happened is a no-op, which is what makes replays and
// repairs safe.
func (s *OccurrenceStore) ApplyTransition(ctx context.Context, visitID int64, kind TouchKind) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE visit_occurrences
		   SET status = $1
		 WHERE id = $2 AND status = ANY($3)`,
		string(kind.Target()), visitID, pq.Array(kind.AllowedFrom()))
	return err
}

// Get returns a single occurrence.
func (s *OccurrenceStore) Get(ctx context.Context, id int64) (Occurrence, error) {
	var occ Occurrence
	var endAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, patient_id, practitioner_id, start_at, end_at, status
		  FROM visit_occurrences WHERE id = $1`, id).
		Scan(&occ.ID, &occ.TenantID, &occ.PatientID, &occ.PractitionerID, &occ.StartAt, &endAt, &occ.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Occurrence{}, ErrNotFound
	}
	if err != nil {
		return Occurrence{}, err
	}
	if endAt.Valid {
		occ.EndAt = &endAt.Time
	}
	return occ, nil
}

// ListToday returns today's occurrences for a tenant, filtered to the
// given status set, in start order.
func (s *OccurrenceStore) ListToday(ctx context.Context, tenantID int64, statuses []string) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, patient_id, practitioner_id, start_at, end_at, status
		  FROM visit_occurrences
		 WHERE tenant_id = $1
		   AND start_at::date = CURRENT_DATE
		   AND status = ANY($2)
		 ORDER BY start_at`,
		tenantID, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Occurrence, 0)
	for rows.Next() {
		var occ Occurrence
		var endAt sql.NullTime
		if err := rows.Scan(&occ.ID, &occ.TenantID, &occ.PatientID, &occ.PractitionerID, &occ.StartAt, &endAt, &occ.Status); err != nil {
			return nil, err
		}
		if endAt.Valid {
			occ.EndAt = &endAt.Time
		}
		result = append(result, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RecentTouches returns the most recent touch records for a visit.
func (s *OccurrenceStore) RecentTouches(ctx context.Context, visitID int64, limit int) ([]Touch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visit_id, kind, at, note, lat, lng, created_at
		  FROM visit_touches
		 WHERE visit_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, visitID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Touch, 0)
	for rows.Next() {
		var t Touch
		var note sql.NullString
		if err := rows.Scan(&t.ID, &t.VisitID, &t.Kind, &t.At, &note, &t.Lat, &t.Lng, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Note = note.String
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
