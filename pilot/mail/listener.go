// Package mail defines the contract between the external email listener
// and the coordinator. The transport itself (IMAP polling, parsing) is an
// external collaborator; the daemon only consumes offers and surfaces the
// listener's health.
package mail

import (
	"context"
	"time"
)

// Offer statuses as they arrive from the platform's notification emails.
const (
	StatusOnHold = "on_hold"
	StatusActive = "active"
)

// TaskOffer is one work offer extracted from a notification email.
// Immutable once delivered; OrderID is the primary key within a process.
type TaskOffer struct {
	OrderID        string `json:"orderId"`
	WorkflowName   string `json:"workflowName"`
	URL            string `json:"url"`
	AmountWords    int    `json:"amountWords"`
	PlannedEndDate string `json:"plannedEndDate"` // raw platform timestamp, parsed by the acceptance engine
	Status         string `json:"status"`
	ReceivedDate   string `json:"receivedDate"` // raw platform date, recorded verbatim in the system-of-record
}

// Handler receives offers. Delivery is at-least-once; consumers
// deduplicate by OrderID.
type Handler func(TaskOffer)

// Listener is the email transport. Start blocks until ctx is done or the
// transport fails fatally.
type Listener interface {
	Start(ctx context.Context, handle Handler) error
	// Status reports connection health for the dashboard.
	Status() ListenerStatus
}

// ListenerStatus is the transport health snapshot mirrored into the state
// manager.
type ListenerStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	LastError     string    `json:"lastError,omitempty"`
}
