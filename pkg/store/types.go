package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a visit occurrence.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Receipt is an ingested scheduling event awaiting materialization.
type Receipt struct {
	ID             int64
	Source         string
	Event          string
	IdempotencyKey string
	Payload        json.RawMessage
	ClientIP       string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// ClaimedReceipt is what the worker gets back from a claim: enough to
// materialize, nothing more.
type ClaimedReceipt struct {
	ID             int64
	Event          string
	IdempotencyKey string
	Payload        json.RawMessage
}

// Occurrence is a scheduled visit or encounter.
type Occurrence struct {
	ID             int64      `json:"id"`
	TenantID       int64      `json:"tenant_id"`
	PatientID      int64      `json:"patient_id"`
	PractitionerID int64      `json:"practitioner_id"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Status         Status     `json:"status"`
}

// TouchKind identifies a user-triggered status action on an occurrence.
type TouchKind string

const (
	TouchStart    TouchKind = "start"
	TouchComplete TouchKind = "complete"
	TouchCheckin  TouchKind = "checkin"
	TouchCheckout TouchKind = "checkout"
)

// Target returns the status the touch drives the occurrence toward.
func (k TouchKind) Target() Status {
	switch k {
	case TouchComplete, TouchCheckout:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// AllowedFrom returns the statuses the transition may be applied from.
// Re-applying an already-reached target is a harmless no-op, which is
// why completed appears in its own from-set.
func (k TouchKind) AllowedFrom() []string {
	switch k {
	case TouchComplete, TouchCheckout:
		return []string{string(StatusInProgress), string(StatusPlanned), string(StatusCompleted)}
	default:
		return []string{string(StatusPlanned), string(StatusInProgress)}
	}
}

// Touch is an immutable record of a start/complete/checkin/checkout
// action. Its idempotency key uniqueness is the sole dedup mechanism.
type Touch struct {
	ID             int64     `json:"id"`
	VisitID        int64     `json:"visit_id"`
	Kind           TouchKind `json:"kind"`
	At             time.Time `json:"at"`
	Note           string    `json:"note,omitempty"`
	Lat            *float64  `json:"lat,omitempty"`
	Lng            *float64  `json:"lng,omitempty"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
