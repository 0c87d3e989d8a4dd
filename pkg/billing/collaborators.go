package billing

import (
	"context"
	"time"
)

// Image is a listing photo submitted for moderation.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Verdict is the outcome of a content check.
type Verdict struct {
	Accepted   bool
	Reason     string
	Confidence float64
}

// ContentValidator decides whether listing content may be published.
type ContentValidator interface {
	Validate(ctx context.Context, image Image) (Verdict, error)
}

// Message is a notification addressed to a user.
type Message struct {
	UserID  UserID
	Subject string
	Body    string
}

// MessageDelivery sends notifications to users.
type MessageDelivery interface {
	Deliver(ctx context.Context, message Message) error
}

// EventType names a billing event.
type EventType string

const (
	EventWalletRegistered    EventType = "wallet.registered"
	EventWalletToggled       EventType = "wallet.toggled"
	EventWalletDeleted       EventType = "wallet.deleted"
	EventChargeCompleted     EventType = "charge.completed"
	EventRefundCompleted     EventType = "refund.completed"
	EventListingCreated      EventType = "listing.created"
	EventListingActivated    EventType = "listing.activated"
	EventListingDeactivated  EventType = "listing.deactivated"
	EventDailyChargeFinished EventType = "daily_charge.finished"
)

// Event is published after the unit of work that produced it commits.
type Event struct {
	Type       EventType
	UserID     UserID
	WalletID   *WalletID
	ListingID  *ListingID
	EntryID    *EntryID
	Amount     Amount
	Kind       EntryKind
	Reason     string
	OccurredAt time.Time
}

// EventPublisher forwards billing events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
