package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/okapon-health/visitsync/pkg/observability"
	"github.com/okapon-health/visitsync/pkg/store"
)

// Acceptable event kinds. Anything else is rejected with 422.
var allowedEvents = map[string]bool{
	"appointment.created":  true,
	"appointment.canceled": true,
}

// ReceiptSink is the durable event store behind the gateway. A nil
// sink means memory mode: the gateway acknowledges with best-effort
// dedup only.
type ReceiptSink interface {
	Insert(ctx context.Context, r store.Receipt) (duplicate bool, err error)
}

// Deduper is the best-effort duplicate set used in memory mode and as
// the fallback when the sink errors.
type Deduper interface {
	CheckAndRecord(ctx context.Context, key string) (bool, error)
}

// IngestResponse is the gateway acknowledgment. Replays are not
// errors: ok is true for both fresh and duplicate submissions, with
// mode reporting which durability path handled the request.
type IngestResponse struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate"`
	Mode      string `json:"mode"` // "store" | "memory" | "memory-fallback"
}

// IngestHandler is the idempotent write gateway for external
// scheduling events.
type IngestHandler struct {
	sink    ReceiptSink
	dedup   Deduper
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewIngestHandler(sink ReceiptSink, dedup Deduper, logger *slog.Logger, metrics *observability.Provider) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{sink: sink, dedup: dedup, logger: logger, metrics: metrics}
}

// ServeHTTP handles POST /integrations/{source}.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	event, _ := payload["event"].(string)
	key, _ := payload["idempotency_key"].(string)
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	if event == "" || key == "" {
		WriteBadRequest(w, "Missing required fields: event, idempotency_key")
		return
	}
	if !allowedEvents[event] {
		WriteUnprocessable(w, "Unrecognized event kind: "+event)
		return
	}

	ctx := r.Context()

	if h.sink == nil {
		seen := h.recordInCache(ctx, key)
		h.respond(ctx, w, IngestResponse{OK: true, Duplicate: seen, Mode: "memory"})
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// The cache is fed on the store path too, so a key accepted while
	// the store was healthy is still recognized as a replay during a
	// later outage.
	seen := h.recordInCache(ctx, key)

	duplicate, err := h.sink.Insert(ctx, store.Receipt{
		Source:         r.PathValue("source"),
		Event:          event,
		IdempotencyKey: key,
		Payload:        raw,
		ClientIP:       clientIP(r),
	})
	if err != nil {
		// Degraded mode: the event is acknowledged against the
		// best-effort duplicate set so the sender stops retrying, but
		// nothing durable happened. Never a hard failure.
		h.logger.Error("receipt insert failed, degrading to memory", "key", key, "error", err)
		h.respond(ctx, w, IngestResponse{OK: true, Duplicate: seen, Mode: "memory-fallback"})
		return
	}

	h.logger.Info("event ingested", "source", r.PathValue("source"), "event", event, "duplicate", duplicate)
	h.respond(ctx, w, IngestResponse{OK: true, Duplicate: duplicate, Mode: "store"})
}

func (h *IngestHandler) recordInCache(ctx context.Context, key string) bool {
	if h.dedup == nil {
		return false
	}
	seen, err := h.dedup.CheckAndRecord(ctx, key)
	if err != nil {
		h.logger.Warn("dedup backend failed", "error", err)
		return false
	}
	return seen
}

func (h *IngestHandler) respond(ctx context.Context, w http.ResponseWriter, resp IngestResponse) {
	h.metrics.RecordIngest(ctx, resp.Mode, resp.Duplicate)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
