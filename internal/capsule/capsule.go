// Package capsule defines the scheduled message model, its delivery state
// machine and the durable store capsules live in.
package capsule

import (
	"context"
	"errors"
	"time"
)

// Status represents the delivery status of a capsule
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound is returned when a capsule does not exist.
	ErrNotFound = errors.New("capsule not found")

	// ErrStatusConflict is returned by CompareAndSetStatus when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("capsule status conflict")

	// ErrIllegalTransition is returned for transitions outside the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrScheduledInPast is returned when creating a capsule scheduled before now.
	ErrScheduledInPast = errors.New("scheduled date is in the past")
)

// Capsule is an encrypted message awaiting future delivery.
// Ciphertext is key-id-tagged (see keystore).
type Capsule struct {
	ID               string     `json:"id"`
	RecipientAddress string     `json:"recipient_address"`
	Subject          string     `json:"subject,omitempty"`
	Ciphertext       string     `json:"ciphertext"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	ClientIP         string     `json:"client_ip,omitempty"`
}

// Attachment is a blob owned by exactly one capsule. It is deleted together
// with its capsule. Data carries the (already encrypted) blob on the way into
// the store and is never serialized.
type Attachment struct {
	ID           string    `json:"id"`
	CapsuleID    string    `json:"capsule_id"`
	BlobRef      string    `json:"blob_ref"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type"`
	Encrypted    bool      `json:"encrypted"`
	UploadedAt   time.Time `json:"uploaded_at"`

	Data []byte `json:"-"`
}

// StatusFields carries the per-transition field updates applied together
// with a status change.
type StatusFields struct {
	SentAt        time.Time // required for transitions to sent
	FailureReason string    // required for transitions to failed
}

// Stats represents capsule counts per status
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// ListFilter represents filter options for listing capsules
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// legalTransitions is the delivery state machine. Delivery must pass through
// processing so a crash mid-delivery is observable; a failed (or stuck
// processing) capsule may be manually reset to pending, but never jumps
// straight to sent.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSent, StatusFailed, StatusPending},
	StatusFailed:     {StatusPending},
	StatusSent:       {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Repository is the narrow persistence contract the lifecycle engine
// depends on. CompareAndSetStatus must be atomic with respect to every
// other writer sharing the same backing store, so two dispatcher ticks
// (or a tick overlapping a manual resend) cannot both claim a capsule.
type Repository interface {
	// Create persists a capsule and its attachments in one transaction.
	Create(ctx context.Context, c *Capsule, atts []*Attachment) error

	// Get retrieves a capsule by ID. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*Capsule, error)

	// FindDue returns all pending capsules with scheduledAt <= now.
	FindDue(ctx context.Context, now time.Time) ([]*Capsule, error)

	// CompareAndSetStatus transitions a capsule from expected to next,
	// applying fields, failing with ErrStatusConflict if the stored
	// status differs and ErrIllegalTransition for illegal edges.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, fields StatusFields) error

	// List returns capsules with optional filtering.
	List(ctx context.Context, filter ListFilter) ([]*Capsule, error)

	// ListCreatedBetween returns capsules with from <= createdAt < to.
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*Capsule, error)

	// Attachments returns the attachment records owned by a capsule.
	Attachments(ctx context.Context, capsuleID string) ([]*Attachment, error)

	// AttachmentData returns the stored blob for a blob reference.
	AttachmentData(ctx context.Context, blobRef string) ([]byte, error)

	// Delete removes a capsule and cascades to its attachments.
	Delete(ctx context.Context, id string) error

	// Stats returns capsule counts per status.
	Stats(ctx context.Context) (*Stats, error)
}
