// Package messaging provides the inter-agent messaging fabric: the message
// model, the priority dispatch queue, the delivery adapter contract, the
// dispatcher worker pool, and delivery status tracking.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders messages for dispatch. Higher priorities strictly
// dominate lower ones in queue order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority; higher is more urgent.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 1
	}
}

// Valid reports whether p is one of the five defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// Marked reports whether messages of this priority receive a visual
// priority marker when the adapter supports one.
func (p Priority) Marked() bool {
	return p.Rank() >= PriorityHigh.Rank()
}

// Kind categorizes the purpose of a message.
type Kind string

const (
	KindDirect              Kind = "direct"
	KindBroadcast           Kind = "broadcast"
	KindTaskNotification    Kind = "task_notification"
	KindStatusUpdate        Kind = "status_update"
	KindCoordinationRequest Kind = "coordination_request"
	KindSystemBroadcast     Kind = "system_broadcast"
	KindPREvent             Kind = "pr_event"
)

// IsBroadcast reports whether the kind addresses the full active agent set.
func (k Kind) IsBroadcast() bool {
	return k == KindBroadcast || k == KindSystemBroadcast
}

// Status is the aggregate delivery state of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// ReceiptStatus is the per-recipient delivery state.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptSending   ReceiptStatus = "sending"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptFailed    ReceiptStatus = "failed"
)

// IsTerminal reports whether the receipt state is final.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptDelivered || s == ReceiptFailed
}

// ContentTypeText is the default message body content type.
const ContentTypeText = "text/plain"

// Message is a unit of communication between agents. The dispatcher owns
// a message while it is in flight; final status is handed to the inbox.
type Message struct {
	// ID is a unique identifier (uuid).
	ID string `json:"id"`

	// Sender is an agent id or the sentinel "system".
	Sender string `json:"sender"`

	// Recipients is the ordered list of agent ids; length >= 1 after
	// broadcast materialization.
	Recipients []string `json:"recipients"`

	Priority Priority `json:"priority"`
	Kind     Kind     `json:"kind"`

	// Body is the opaque payload.
	Body string `json:"body"`

	// ContentType identifies the body encoding.
	ContentType string `json:"content_type"`

	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Status    Status    `json:"status"`
}

// Receipt records per-recipient delivery state for one message.
type Receipt struct {
	MessageID string        `json:"message_id"`
	Recipient string        `json:"recipient"`
	Status    ReceiptStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewMessage constructs a queued message with a fresh uuid.
func NewMessage(sender string, recipients []string, priority Priority, kind Kind, body string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Sender:      sender,
		Recipients:  append([]string(nil), recipients...),
		Priority:    priority,
		Kind:        kind,
		Body:        body,
		ContentType: ContentTypeText,
		CreatedAt:   time.Now(),
		Status:      StatusQueued,
	}
}
