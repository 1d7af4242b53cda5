package api

import (
	"net/http"

	"github.com/okapon-health/visitsync/pkg/store"
)

// NewRouter wires the gateway and visit endpoints. The rate limiter is
// optional; pass nil to serve unthrottled (tests).
func NewRouter(ingest *IngestHandler, visits *VisitService, tenantID int64, limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /integrations/{source}", ingest)

	mux.HandleFunc("POST /api/visits/{id}/start", visits.HandleTouch(store.TouchStart))
	mux.HandleFunc("POST /api/visits/{id}/complete", visits.HandleTouch(store.TouchComplete))
	mux.HandleFunc("POST /api/visits/{id}/checkin", visits.HandleTouch(store.TouchCheckin))
	mux.HandleFunc("POST /api/visits/{id}/checkout", visits.HandleTouch(store.TouchCheckout))

	mux.HandleFunc("GET /api/visits/today", visits.HandleToday(tenantID))
	mux.HandleFunc("GET /api/visits/{id}", visits.HandleGet)
	mux.HandleFunc("GET /api/visits/{id}/touches", visits.HandleTouches)

	if limiter == nil {
		return mux
	}
	return limiter.Middleware(mux)
}
