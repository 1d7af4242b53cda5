package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestIsBenignConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"exclusion violation", &pq.Error{Code: "23P01"}, true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped unique violation", errors.Join(errors.New("ctx"), &pq.Error{Code: "23505"}), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsBenignConflict(tc.err); got != tc.want {
				t.Errorf("IsBenignConflict(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTouchKindTransitions(t *testing.T) {
	if TouchStart.Target() != StatusInProgress || TouchCheckin.Target() != StatusInProgress {
		t.Error("start/checkin must target in_progress")
	}
	if TouchComplete.Target() != StatusCompleted || TouchCheckout.Target() != StatusCompleted {
		t.Error("complete/checkout must target completed")
	}

	for _, from := range TouchComplete.AllowedFrom() {
		if from == string(StatusCanceled) {
			t.Error("canceled occurrences must not be completable")
		}
	}
	for _, from := range TouchStart.AllowedFrom() {
		if from == string(StatusCompleted) {
			t.Error("start must not revert a completed occurrence")
		}
	}
}

func TestResolvePatient_Existing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectQuery("SELECT patient_id FROM ext_patient_map").
		WithArgs("reservations", "P1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id"}).AddRow(int64(99)))

	id, err := s.ResolvePatient(context.Background(), "reservations", "P1")
	if err != nil {
		t.Fatalf("resolve failed: %s", err)
	}
	if id != 99 {
		t.Errorf("expected patient 99, got %d", id)
	}
}

func TestResolvePatient_LostInsertRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	// Miss, then insert-or-ignore returns nothing (another worker won),
	// then the confirming read finds the winner's row.
	mock.ExpectQuery("SELECT patient_id FROM ext_patient_map").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO ext_patient_map").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id"}))
	mock.ExpectQuery("SELECT patient_id FROM ext_patient_map").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id"}).AddRow(int64(7)))

	id, err := s.ResolvePatient(context.Background(), "reservations", "P2")
	if err != nil {
		t.Fatalf("resolve failed: %s", err)
	}
	if id != 7 {
		t.Errorf("expected patient 7, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestCancelBySlot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE visit_occurrences").
		WithArgs(int64(1), int64(99), start).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.CancelBySlot(context.Background(), 1, 99, start)
	if err != nil {
		t.Fatalf("cancel failed: %s", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row canceled, got %d", n)
	}
}

func TestRecordTouch_KeyFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectQuery("SELECT 1 FROM visit_touches").
		WithArgs("idem-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	dup, err := s.RecordTouch(context.Background(), Touch{VisitID: 5, Kind: TouchStart, At: time.Now(), IdempotencyKey: "idem-1"})
	if err != nil {
		t.Fatalf("record touch failed: %s", err)
	}
	if !dup {
		t.Error("existing key not reported as duplicate")
	}
}

func TestRecordTouch_InsertLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectQuery("SELECT 1 FROM visit_touches").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO visit_touches").
		WillReturnError(&pq.Error{Code: "23505"})

	dup, err := s.RecordTouch(context.Background(), Touch{VisitID: 5, Kind: TouchComplete, At: time.Now(), IdempotencyKey: "idem-2"})
	if err != nil {
		t.Fatalf("unique violation must be benign: %s", err)
	}
	if !dup {
		t.Error("lost insert race not reported as duplicate")
	}
}

func TestRecordTouch_New(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectQuery("SELECT 1 FROM visit_touches").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO visit_touches").
		WillReturnResult(sqlmock.NewResult(1, 1))

	dup, err := s.RecordTouch(context.Background(), Touch{VisitID: 5, Kind: TouchCheckin, At: time.Now(), IdempotencyKey: "idem-3"})
	if err != nil {
		t.Fatalf("record touch failed: %s", err)
	}
	if dup {
		t.Error("fresh key reported as duplicate")
	}
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	mock.ExpectQuery("FROM visit_occurrences WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tenant_id", "patient_id", "practitioner_id", "start_at", "end_at", "status"}).
			AddRow(int64(5), int64(1), int64(99), int64(2), start, end, "planned"))

	occ, err := s.Get(context.Background(), 5)
	if err != nil {
		t.Fatalf("get failed: %s", err)
	}
	if occ.ID != 5 || occ.Status != StatusPlanned {
		t.Errorf("unexpected occurrence: %+v", occ)
	}
	if occ.EndAt == nil || !occ.EndAt.Equal(end) {
		t.Errorf("end_at not scanned: %v", occ.EndAt)
	}
}

func TestGet_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectQuery("FROM visit_occurrences WHERE id").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Get(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListToday(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("start_at::date = CURRENT_DATE").
		WithArgs(int64(1), pq.Array([]string{"planned", "in_progress"})).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tenant_id", "patient_id", "practitioner_id", "start_at", "end_at", "status"}).
			AddRow(int64(1), int64(1), int64(99), int64(2), start, nil, "planned").
			AddRow(int64(2), int64(1), int64(98), int64(2), start.Add(time.Hour), nil, "in_progress"))

	items, err := s.ListToday(context.Background(), 1, []string{"planned", "in_progress"})
	if err != nil {
		t.Fatalf("list failed: %s", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(items))
	}
	if items[0].EndAt != nil {
		t.Error("NULL end_at must scan to nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestRecentTouches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM visit_touches").
		WithArgs(int64(5), 10).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "visit_id", "kind", "at", "note", "lat", "lng", "created_at"}).
			AddRow(int64(2), int64(5), "checkin", at, nil, 35.6812, 139.7671, at).
			AddRow(int64(1), int64(5), "start", at, "front door", nil, nil, at))

	items, err := s.RecentTouches(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("recent touches failed: %s", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 touches, got %d", len(items))
	}
	if items[0].Kind != TouchCheckin || items[0].Lat == nil {
		t.Errorf("geolocated touch scanned badly: %+v", items[0])
	}
	if items[1].Note != "front door" || items[1].Lat != nil {
		t.Errorf("plain touch scanned badly: %+v", items[1])
	}
}

func TestApplyTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}
	defer func() { _ = db.Close() }()

	s := NewOccurrenceStore(db)

	mock.ExpectExec("UPDATE visit_occurrences").
		WithArgs("in_progress", int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ApplyTransition(context.Background(), 5, TouchStart); err != nil {
		t.Errorf("transition failed: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}
