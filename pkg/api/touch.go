package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/okapon-health/visitsync/pkg/observability"
	"github.com/okapon-health/visitsync/pkg/store"
)

// TouchStore is the slice of the occurrence store the mutation
// endpoints need.
type TouchStore interface {
	RecordTouch(ctx context.Context, t store.Touch) (duplicate bool, err error)
	ApplyTransition(ctx context.Context, visitID int64, kind store.TouchKind) error
}

// TouchRequest is the body of a start/complete/checkin/checkout call.
type TouchRequest struct {
	At             string   `json:"at"`
	Note           string   `json:"note,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lng            *float64 `json:"lng,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// TouchResponse acknowledges a touch. Replays report duplicate=true
// and are not errors.
type TouchResponse struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate"`
}

// VisitService serves the direct occurrence mutation endpoints and the
// schedule reads. A nil store yields 503s: unlike ingestion there is
// no degraded mode for domain mutations.
type VisitService struct {
	touches TouchStore
	reader  OccurrenceReader
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewVisitService(touches TouchStore, reader OccurrenceReader, logger *slog.Logger, metrics *observability.Provider) *VisitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisitService{touches: touches, reader: reader, logger: logger, metrics: metrics}
}

// HandleTouch returns the handler for one touch kind.
func (s *VisitService) HandleTouch(kind store.TouchKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		visitID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || visitID <= 0 {
			WriteBadRequest(w, "invalid visit id")
			return
		}
		if s.touches == nil {
			WriteUnavailable(w, "visit store unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req TouchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}
		if req.At == "" {
			WriteBadRequest(w, "at is required")
			return
		}
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			WriteBadRequest(w, "at must be an RFC 3339 timestamp")
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = req.IdempotencyKey
		}
		if key == "" {
			// Deterministic fallback: identical retransmissions of a
			// keyless request still deduplicate.
			key, err = deriveKey(visitID, kind, req)
			if err != nil {
				WriteInternal(w, err)
				return
			}
		}

		ctx := r.Context()
		touch := store.Touch{
			VisitID:        visitID,
			Kind:           kind,
			At:             at,
			Note:           req.Note,
			IdempotencyKey: key,
		}
		if kind == store.TouchCheckin || kind == store.TouchCheckout {
			touch.Lat, touch.Lng = req.Lat, req.Lng
		}

		duplicate, err := s.touches.RecordTouch(ctx, touch)
		if err != nil {
			WriteInternal(w, err)
			return
		}

		// The transition is applied on duplicates too: it repairs the
		// case where the touch row was written but the status update
		// never happened. Re-applying a reached transition is a no-op.
		if err := s.touches.ApplyTransition(ctx, visitID, kind); err != nil {
			WriteInternal(w, err)
			return
		}

		s.metrics.RecordTouch(ctx, string(kind), duplicate)
		s.logger.Info("touch recorded", "visit", visitID, "kind", kind, "duplicate", duplicate)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TouchResponse{OK: true, Duplicate: duplicate})
	}
}

// deriveKey builds a deterministic idempotency key from the canonical
// form of the request, so the same logical action always maps to the
// same key regardless of field ordering in the JSON.
func deriveKey(visitID int64, kind store.TouchKind, req TouchRequest) (string, error) {
	raw, err := json.Marshal(struct {
		VisitID int64        `json:"visit_id"`
		Kind    string       `json:"kind"`
		Body    TouchRequest `json:"body"`
	}{visitID, string(kind), req})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize touch request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "auto:" + hex.EncodeToString(sum[:]), nil
}
