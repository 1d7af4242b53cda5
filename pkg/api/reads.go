package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/okapon-health/visitsync/pkg/store"
)

// OccurrenceReader is the read slice of the occurrence store.
type OccurrenceReader interface {
	Get(ctx context.Context, id int64) (store.Occurrence, error)
	ListToday(ctx context.Context, tenantID int64, statuses []string) ([]store.Occurrence, error)
	RecentTouches(ctx context.Context, visitID int64, limit int) ([]store.Touch, error)
}

// HandleToday handles GET /api/visits/today. The optional
// ?include=canceled widens the status filter.
func (s *VisitService) HandleToday(tenantID int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.reader == nil {
			WriteUnavailable(w, "visit store unavailable")
			return
		}
		statuses := []string{string(store.StatusPlanned), string(store.StatusInProgress)}
		if r.URL.Query().Get("include") == "canceled" {
			statuses = append(statuses, string(store.StatusCompleted), string(store.StatusCanceled))
		}
		items, err := s.reader.ListToday(r.Context(), tenantID, statuses)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, map[string]any{"items": items})
	}
}

// HandleGet handles GET /api/visits/{id}.
func (s *VisitService) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, "invalid visit id")
		return
	}
	if s.reader == nil {
		WriteUnavailable(w, "visit store unavailable")
		return
	}
	occ, err := s.reader.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "no such visit")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, occ)
}

// HandleTouches handles GET /api/visits/{id}/touches (10 most recent).
func (s *VisitService) HandleTouches(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, "invalid visit id")
		return
	}
	if s.reader == nil {
		WriteUnavailable(w, "visit store unavailable")
		return
	}
	items, err := s.reader.RecentTouches(r.Context(), id, 10)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
