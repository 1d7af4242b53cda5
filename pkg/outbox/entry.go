// Package outbox is a client-side durable queue for mutating requests.
// A request that cannot be confirmed delivered is persisted locally and
// replayed with bounded backoff, carrying its originally generated
// idempotency key unchanged, until the server accepts it, definitively
// rejects it, or the attempt cap is reached.
package outbox

import (
	"context"
	"net/http"
	"time"
)

// Entry is one not-yet-acknowledged mutating request.
type Entry struct {
	ID             string
	Method         string
	URL            string
	Headers        map[string]string
	Body           []byte
	CreatedAt      time.Time
	Tries          int
	MaxTries       int
	NextAt         time.Time
	IdempotencyKey string
}

// Storage is the client-local durable store for entries.
type Storage interface {
	Add(ctx context.Context, e Entry) error
	Update(ctx context.Context, e Entry) error
	Remove(ctx context.Context, id string) error
	// Due returns entries eligible for delivery at now, oldest
	// next-attempt first, up to limit.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
}

// disposition classifies a delivery attempt's outcome. The entry state
// machine is: pending → in-flight → (resolved | retry-scheduled |
// discarded), and disposition picks the arc out of in-flight.
type disposition int

const (
	// dispResolved: the mutation took effect (2xx) or had already
	// taken effect (duplicate/conflict class).
	dispResolved disposition = iota
	// dispDiscard: definitive client-side rejection; retrying would
	// fail the same way.
	dispDiscard
	// dispRetry: transient failure; the entry is rescheduled.
	dispRetry
)

// classify maps an HTTP status to a disposition. Network-level failures
// are classified as retry by the caller before reaching here.
func classify(status int) disposition {
	switch {
	case status >= 200 && status < 300:
		return dispResolved
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		// The server reports the operation already applied.
		return dispResolved
	case status >= 400 && status < 500:
		return dispDiscard
	default:
		return dispRetry
	}
}
