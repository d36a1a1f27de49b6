package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/ephemrelay/envelope"
)

var (
	// ErrNotFound indicates an operation on a message the mailbox does not
	// hold.
	ErrNotFound = errors.New("message not found")
	// ErrAlreadyStored indicates a duplicate (messageId, toIdentity) store.
	// Callers treat it as success: the first copy is the deliverable one.
	ErrAlreadyStored = errors.New("message already stored")
)

// DeliveryState is the persisted lifecycle of a stored envelope. The
// in-flight states (created, relayed) never reach the mailbox; an envelope
// is stored only when it must be queued.
type DeliveryState string

const (
	// StateQueued means persisted and awaiting the recipient's next
	// connection.
	StateQueued DeliveryState = "queued"
	// StateDelivered means handed to the recipient; retained until the
	// retention sweep or a read-expiry removes it.
	StateDelivered DeliveryState = "delivered"
	// StateRead means the recipient confirmed reading the message.
	StateRead DeliveryState = "read"
)

// Record is one stored envelope with its persisted state.
type Record struct {
	Envelope    envelope.Envelope
	State       DeliveryState
	StoredAt    time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Mailbox is the durable store interface the relay core depends on. All
// methods honor ctx cancellation and deadlines; the relay calls them with
// bounded timeouts.
type Mailbox interface {
	// Store persists env with state queued. Returns ErrAlreadyStored if the
	// (messageId, toIdentity) pair already exists.
	Store(ctx context.Context, env *envelope.Envelope) error

	// FetchUndelivered returns all queued envelopes addressed to identity,
	// excluding those from senders in excludeSenders, ordered by createdAt
	// ascending with the submission sequence breaking ties.
	FetchUndelivered(ctx context.Context, identity string, excludeSenders map[string]struct{}) ([]Record, error)

	// MarkDelivered transitions a queued message to delivered. Marking an
	// already delivered or read message is a no-op.
	MarkDelivered(ctx context.Context, messageID string) error

	// MarkRead transitions a delivered message to read. Marking an already
	// read message is a no-op.
	MarkRead(ctx context.Context, messageID string) error

	// Delete removes a message outright, used for read-expiry.
	Delete(ctx context.Context, messageID string) error

	// DeleteIfDeliveredBefore removes messages already handed to their
	// recipient (delivered or read) whose delivery happened before cutoff.
	// Queued messages are never touched. Idempotent and safe to run
	// concurrently with live traffic: delete-if-match, not blind delete.
	DeleteIfDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
