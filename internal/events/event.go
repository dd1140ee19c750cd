// Package events implements the transactional outbox that carries purchase side effects.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidEvent  = errors.New("invalid_event")
	ErrNoHandler     = errors.New("no_handler")
	ErrHandlerExists = errors.New("handler_already_registered")
	ErrNotFound      = errors.New("outbox_event_not_found")
)

const (
	TopicCancelUnpaid        = "checkout.cancel_unpaid"
	TopicTransferCreate      = "transfer.create"
	TopicBookingConfirm      = "booking.confirm"
	TopicBookingRelease      = "booking.release"
	TopicBookingAutoBook     = "booking.autobook"
	TopicPackageConfirm      = "booking.package_confirm"
	TopicPackageAllotment    = "booking.package_allotment"
	TopicPackageComplete     = "booking.package_complete"
	TopicCourseNotes         = "booking.course_notes"
	TopicChatEnroll          = "chat.enroll"
	TopicPurchaseSucceeded   = "notification.purchase_succeeded"
	TopicClientEnrolled      = "notification.client_enrolled"
	TopicInvoicePaid         = "notification.invoice_paid"
	TopicFreeGrantCoachEmail = "notification.free_grant_coach_email"
)

// Event is a side effect to be delivered at least once after the enclosing write commits.
type Event struct {
	Topic string
	Key   string
	// Payload is marshalled to JSON.
	Payload any
	// DedupeKey collapses repeated enqueues of the same logical job. Optional.
	DedupeKey string
	// AvailableAt delays delivery. Zero means immediately.
	AvailableAt time.Time
}

// Message is a claimed outbox row handed to a handler or relay.
type Message struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type Handler func(ctx context.Context, msg Message) error

// Relay forwards messages that have no in-process handler to an external bus.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
}

// Publisher enqueues events outside of an existing transaction.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// CancelUnpaidPayload is the body of a delayed payment-session cancellation job.
type CancelUnpaidPayload struct {
	ClientID         string   `json:"client_id"`
	ContributionID   string   `json:"contribution_id"`
	ObjectType       string   `json:"object_type"`
	ObjectID         string   `json:"object_id"`
	ConnectedAccount string   `json:"connected_account,omitempty"`
	ClassIDs         []string `json:"class_ids,omitempty"`
}

type TransferPayload struct {
	ClientID       string `json:"client_id"`
	ContributionID string `json:"contribution_id"`
	TransactionID  string `json:"transaction_id"`
	ChargeID       string `json:"charge_id"`
}

type BookingPayload struct {
	ClientID       string   `json:"client_id"`
	ContributionID string   `json:"contribution_id"`
	ClassIDs       []string `json:"class_ids,omitempty"`
}

type PackagePayload struct {
	ClientID       string `json:"client_id"`
	ContributionID string `json:"contribution_id"`
	// TransactionID keys the package; subscription packages use the subscription id.
	TransactionID string `json:"transaction_id"`
	Sessions      int    `json:"sessions,omitempty"`
	// Duration is the subscription length in months for monthly session packages.
	Duration int `json:"duration,omitempty"`
}

// CourseNotesPayload asks the booking collaborator to create the client's per-session
// notes for a purchased course.
type CourseNotesPayload struct {
	ClientID       string `json:"client_id"`
	ContributionID string `json:"contribution_id"`
	TransactionID  string `json:"transaction_id"`
}

// NotificationPayload is relayed to the notification and chat collaborators.
type NotificationPayload struct {
	ClientID         string `json:"client_id"`
	ContributorID    string `json:"contributor_id"`
	ContributionID   string `json:"contribution_id"`
	TransactionID    string `json:"transaction_id,omitempty"`
	PaymentOption    string `json:"payment_option,omitempty"`
	// Currency denominates PurchaseAmount; TransferCurrency denominates TransferAmount.
	Currency         string `json:"currency,omitempty"`
	PurchaseAmount   string `json:"purchase_amount,omitempty"`
	TransferCurrency string `json:"transfer_currency,omitempty"`
	TransferAmount   string `json:"transfer_amount,omitempty"`
}
