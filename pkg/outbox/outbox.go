package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okapon-health/visitsync/pkg/observability"
)

// ErrRejected is returned when the server definitively rejected the
// request (client-error class other than the already-applied statuses).
// The request is resolved, not retried.
var ErrRejected = errors.New("request rejected by server")

const (
	defaultMaxTries  = 6
	defaultFlushSize = 20
)

// Options configures an Outbox.
type Options struct {
	Client   *http.Client
	MaxTries int
	// Online reports whether connectivity appears available. When it
	// returns false, Submit enqueues without attempting delivery.
	Online func() bool
	// Now is injectable for tests.
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Provider
}

// Outbox attempts delivery of mutating requests and durably queues the
// ones it cannot confirm. The flush loop is single-flow per instance.
type Outbox struct {
	storage  Storage
	client   *http.Client
	maxTries int
	online   func() bool
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Provider

	flushMu sync.Mutex
}

// New creates an Outbox over the given storage.
func New(storage Storage, opts Options) *Outbox {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = defaultMaxTries
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Outbox{
		storage:  storage,
		client:   opts.Client,
		maxTries: opts.MaxTries,
		online:   opts.Online,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Result reports how a Submit call concluded.
type Result struct {
	// Status is the HTTP status of the delivery attempt, zero when the
	// request was queued without a response.
	Status int
	// Queued is true when the request was persisted for later retry.
	Queued bool
	// AlreadyApplied is true when the server reported the mutation had
	// already taken effect (duplicate/conflict class).
	AlreadyApplied bool
}

// SubmitOptions customizes a single Submit call. The zero value is the
// default behavior.
type SubmitOptions struct {
	// IdempotencyKey replaces the generated key. Either way the key is
	// carried unchanged across every retry.
	IdempotencyKey string
	// Headers are sent on every delivery attempt of this entry, in
	// addition to the content type and idempotency key.
	Headers map[string]string
	// MaxTries overrides the outbox-wide attempt cap for this entry.
	MaxTries int
}

// Submit attempts immediate delivery of a POST-like request, queuing it
// on transient failure or when offline. The idempotency key is
// generated here, unless the caller supplies one, and carried unchanged
// across every retry.
func (o *Outbox) Submit(ctx context.Context, method, url string, body any, opts ...SubmitOptions) (Result, error) {
	var opt SubmitOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return Result{}, fmt.Errorf("marshal body: %w", err)
		}
	}
	if method == "" {
		method = http.MethodPost
	}
	key := opt.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	maxTries := o.maxTries
	if opt.MaxTries > 0 {
		maxTries = opt.MaxTries
	}

	entry := Entry{
		ID:             uuid.NewString(),
		Method:         method,
		URL:            url,
		Headers:        opt.Headers,
		Body:           payload,
		CreatedAt:      o.now(),
		Tries:          0,
		MaxTries:       maxTries,
		NextAt:         o.now(),
		IdempotencyKey: key,
	}

	if o.online() {
		status, err := o.send(ctx, entry)
		if err == nil {
			switch classify(status) {
			case dispResolved:
				return Result{Status: status, AlreadyApplied: status == http.StatusConflict || status == http.StatusUnprocessableEntity}, nil
			case dispDiscard:
				return Result{Status: status}, fmt.Errorf("%w: status %d", ErrRejected, status)
			}
			// Transient server error: fall through to enqueue.
		} else {
			o.logger.Debug("delivery attempt failed, queuing", "url", url, "error", err)
		}
	}

	if err := o.storage.Add(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("queue request: %w", err)
	}
	o.logger.Info("request queued", "id", entry.ID, "url", url)
	return Result{Queued: true}, nil
}

// NotifyOnline signals that connectivity was regained and starts a
// flush in the background. Concurrent signals coalesce on the flush
// lock's single flow.
func (o *Outbox) NotifyOnline(ctx context.Context) {
	go func() {
		if err := o.Flush(ctx); err != nil {
			o.logger.Error("outbox flush failed", "error", err)
		}
	}()
}

// Flush drains all due entries, re-scanning after each pass until none
// remain due. Only one flush runs at a time.
func (o *Outbox) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	for {
		processed, err := o.flushOnce(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
	}
}

func (o *Outbox) flushOnce(ctx context.Context) (int, error) {
	due, err := o.storage.Due(ctx, o.now(), defaultFlushSize)
	if err != nil {
		return 0, fmt.Errorf("scan outbox: %w", err)
	}
	for _, e := range due {
		o.attempt(ctx, e)
	}
	return len(due), nil
}

// attempt delivers one entry and settles its fate: resolved and
// discarded entries are removed; transient failures reschedule with
// backoff or, at the attempt cap, remove the entry for good.
func (o *Outbox) attempt(ctx context.Context, e Entry) {
	status, err := o.send(ctx, e)
	if err == nil {
		switch classify(status) {
		case dispResolved:
			o.removeEntry(ctx, e, "delivered")
			return
		case dispDiscard:
			o.removeEntry(ctx, e, "rejected")
			return
		}
	}

	e.Tries++
	if e.Tries >= e.MaxTries {
		o.removeEntry(ctx, e, "attempt cap reached")
		return
	}
	e.NextAt = o.now().Add(Backoff(e.Tries))
	if err := o.storage.Update(ctx, e); err != nil {
		o.logger.Error("outbox reschedule failed", "id", e.ID, "error", err)
		return
	}
	o.metrics.RecordOutboxRetry(ctx)
	o.logger.Info("delivery rescheduled", "id", e.ID, "tries", e.Tries, "next_at", e.NextAt)
}

func (o *Outbox) removeEntry(ctx context.Context, e Entry, reason string) {
	if err := o.storage.Remove(ctx, e.ID); err != nil {
		o.logger.Error("outbox remove failed", "id", e.ID, "error", err)
		return
	}
	o.logger.Info("outbox entry settled", "id", e.ID, "reason", reason, "tries", e.Tries)
}

func (o *Outbox) send(ctx context.Context, e Entry) (int, error) {
	var body *bytes.Reader
	if e.Body != nil {
		body = bytes.NewReader(e.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.IdempotencyKey)
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
