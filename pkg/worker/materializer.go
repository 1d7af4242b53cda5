// Package worker contains the claim-and-materialize loop that converts
// ingested scheduling events into visit occurrences.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/okapon-health/visitsync/pkg/observability"
	"github.com/okapon-health/visitsync/pkg/store"
)

const (
	EventCreated  = "appointment.created"
	EventCanceled = "appointment.canceled"
)

// ReceiptSource is the claimable event store the loop drains.
type ReceiptSource interface {
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]store.ClaimedReceipt, error)
	MarkApplied(ctx context.Context, id int64) error
}

// OccurrenceWriter is the domain state the loop mutates.
type OccurrenceWriter interface {
	ResolvePatient(ctx context.Context, source, extKey string) (int64, error)
	CreatePlanned(ctx context.Context, occ store.Occurrence) error
	CancelBySlot(ctx context.Context, tenantID, patientID int64, startAt time.Time) (int64, error)
}

// Options tunes a Materializer. Zero values get defaults.
type Options struct {
	WorkerID       string
	Source         string
	BatchSize      int
	Lease          time.Duration
	PollInterval   time.Duration
	ErrInterval    time.Duration
	TenantID       int64
	PractitionerID int64

	// Sleep and telemetry are injectable so tests can run many loop
	// iterations without real delays.
	Sleep   func(ctx context.Context, d time.Duration)
	Metrics *observability.Provider
}

// Materializer is one independent claim loop. Multiple instances,
// possibly in separate processes, coordinate only through the exclusive
// claim on the receipt store.
type Materializer struct {
	receipts    ReceiptSource
	occurrences OccurrenceWriter
	eligible    map[string]struct{}
	logger      *slog.Logger
	opts        Options
}

func New(receipts ReceiptSource, occurrences OccurrenceWriter, eligible map[string]struct{}, logger *slog.Logger, opts Options) *Materializer {
	if opts.WorkerID == "" {
		opts.WorkerID = "materializer"
	}
	if opts.Source == "" {
		opts.Source = "reservations"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.ErrInterval <= 0 {
		opts.ErrInterval = 2 * time.Second
	}
	if opts.TenantID == 0 {
		opts.TenantID = 1
	}
	if opts.PractitionerID == 0 {
		opts.PractitionerID = 1
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		receipts:    receipts,
		occurrences: occurrences,
		eligible:    eligible,
		logger:      logger,
		opts:        opts,
	}
}

// Run drives the loop until ctx is canceled. A single receipt's failure
// never terminates the loop: the receipt stays unapplied and becomes
// claimable again once its lease expires.
func (m *Materializer) Run(ctx context.Context) {
	m.logger.Info("materializer started", "worker", m.opts.WorkerID, "batch", m.opts.BatchSize)
	for {
		if ctx.Err() != nil {
			m.logger.Info("materializer stopped", "worker", m.opts.WorkerID)
			return
		}
		n, err := m.RunOnce(ctx)
		switch {
		case err != nil:
			m.logger.Error("claim failed", "error", err)
			m.opts.Sleep(ctx, m.opts.ErrInterval)
		case n == 0:
			m.opts.Sleep(ctx, m.opts.PollInterval)
		}
	}
}

// RunOnce claims and processes a single batch, returning how many
// receipts were claimed.
func (m *Materializer) RunOnce(ctx context.Context) (int, error) {
	batch, err := m.receipts.ClaimBatch(ctx, m.opts.WorkerID, m.opts.BatchSize, m.opts.Lease)
	if err != nil {
		return 0, err
	}
	for _, r := range batch {
		if err := m.materialize(ctx, r); err != nil {
			// Unexpected failure: log and move on. The lease expiry
			// returns the receipt to the claimable pool.
			m.logger.Error("materialize failed", "receipt", r.ID, "event", r.Event, "error", err)
			continue
		}
		if err := m.receipts.MarkApplied(ctx, r.ID); err != nil {
			m.logger.Error("mark applied failed", "receipt", r.ID, "error", err)
		}
	}
	return len(batch), nil
}

// appointmentPayload is the externally-sourced event body. Fields the
// pipeline does not read pass through untouched in the stored receipt.
type appointmentPayload struct {
	Patient struct {
		ID string `json:"id"`
	} `json:"patient"`
	Slot struct {
		FacilityID any    `json:"facility_id"`
		Start      string `json:"start"`
		End        string `json:"end"`
	} `json:"slot"`
}

func (m *Materializer) materialize(ctx context.Context, r store.ClaimedReceipt) error {
	var p appointmentPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		m.logger.Warn("skipping receipt with malformed payload", "receipt", r.ID, "error", err)
		return nil
	}
	if p.Patient.ID == "" || p.Slot.Start == "" {
		m.logger.Warn("skipping receipt with missing fields", "receipt", r.ID, "event", r.Event)
		return nil
	}
	startAt, err := time.Parse(time.RFC3339, p.Slot.Start)
	if err != nil {
		m.logger.Warn("skipping receipt with unparseable start", "receipt", r.ID, "start", p.Slot.Start)
		return nil
	}

	switch r.Event {
	case EventCreated:
		return m.applyCreated(ctx, r, p, startAt)
	case EventCanceled:
		return m.applyCanceled(ctx, r, p, startAt)
	default:
		m.logger.Info("ignoring event kind", "receipt", r.ID, "event", r.Event)
		return nil
	}
}

func (m *Materializer) applyCreated(ctx context.Context, r store.ClaimedReceipt, p appointmentPayload, startAt time.Time) error {
	facility := facilityString(p.Slot.FacilityID)
	if _, ok := m.eligible[facility]; !ok {
		m.logger.Debug("skipping ineligible facility", "receipt", r.ID, "facility", facility)
		return nil
	}

	patientID, err := m.occurrences.ResolvePatient(ctx, m.opts.Source, p.Patient.ID)
	if err != nil {
		return fmt.Errorf("resolve patient: %w", err)
	}

	occ := store.Occurrence{
		TenantID:       m.opts.TenantID,
		PatientID:      patientID,
		PractitionerID: m.opts.PractitionerID,
		StartAt:        startAt,
		Status:         store.StatusPlanned,
	}
	if p.Slot.End != "" {
		if endAt, err := time.Parse(time.RFC3339, p.Slot.End); err == nil {
			occ.EndAt = &endAt
		}
	}

	if err := m.occurrences.CreatePlanned(ctx, occ); err != nil {
		if store.IsBenignConflict(err) {
			// Already materialized by a previous attempt or a
			// concurrent loop. The intended state exists.
			m.opts.Metrics.RecordBenignConflict(ctx)
			m.logger.Info("duplicate occurrence ignored", "receipt", r.ID, "start", startAt)
			return nil
		}
		return fmt.Errorf("create occurrence: %w", err)
	}
	m.opts.Metrics.RecordMaterialized(ctx, "created")
	m.logger.Info("occurrence created", "receipt", r.ID, "patient", patientID, "start", startAt)
	return nil
}

func (m *Materializer) applyCanceled(ctx context.Context, r store.ClaimedReceipt, p appointmentPayload, startAt time.Time) error {
	// Cancellation bypasses the eligibility predicate so that a
	// cancellation is never dropped even when the creation was filtered.
	patientID, err := m.occurrences.ResolvePatient(ctx, m.opts.Source, p.Patient.ID)
	if err != nil {
		return fmt.Errorf("resolve patient: %w", err)
	}
	n, err := m.occurrences.CancelBySlot(ctx, m.opts.TenantID, patientID, startAt)
	if err != nil {
		return fmt.Errorf("cancel occurrence: %w", err)
	}
	m.opts.Metrics.RecordMaterialized(ctx, "canceled")
	m.logger.Info("occurrence canceled", "receipt", r.ID, "patient", patientID, "affected", n)
	return nil
}

// facilityString normalizes a facility identifier that external systems
// send as either a JSON string or a number.
func facilityString(v any) string {
	switch f := v.(type) {
	case string:
		return f
	case float64:
		return strconv.FormatFloat(f, 'f', -1, 64)
	case json.Number:
		return f.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(f)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
