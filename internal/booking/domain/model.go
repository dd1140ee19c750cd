package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSlotNotFound    = errors.New("slot_not_found")
	ErrSlotFull        = errors.New("slot_full")
	ErrPackageNotFound = errors.New("package_purchase_not_found")
)

type Status string

const (
	StatusTentative Status = "Tentative"
	StatusConfirmed Status = "Confirmed"
	StatusReleased  Status = "Released"
)

// Slot is an availability time a one-to-one or course session can be booked into.
type Slot struct {
	ID             string
	ContributionID string
	StartTime      time.Time
	EndTime        time.Time
	Capacity       int
}

// Booking is one booked class; its ID is the booked class id carried on payments.
type Booking struct {
	ID             string
	ContributionID string
	SlotID         string
	ClientID       string
	Status         Status
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

// Note is a client's private notes page for one session of a purchased course.
type Note struct {
	ID             string
	ContributionID string
	ClientID       string
	SlotID         string
	CreatedAt      time.Time
}

// PackagePurchase is a sold block of one-to-one sessions.
type PackagePurchase struct {
	ID                           string
	ContributionID               string
	TransactionID                string
	UserID                       string
	SessionNumbers               int
	IsConfirmed                  bool
	IsCompleted                  bool
	IsMonthlySessionSubscription bool
	SubscriptionDuration         int
	MonthsPaid                   int
	// AvailabilityTimeIDToBookedTimeIDs maps each slot to the classes booked in it.
	AvailabilityTimeIDToBookedTimeIDs map[string][]string
}

func (p PackagePurchase) BookedCount() int {
	n := 0
	for _, ids := range p.AvailabilityTimeIDToBookedTimeIDs {
		n += len(ids)
	}
	return n
}

// FreeSessionNumbers is the count of sessions still bookable.
func (p PackagePurchase) FreeSessionNumbers() int {
	free := p.SessionNumbers - p.BookedCount()
	if free < 0 {
		return 0
	}
	return free
}

type Repository interface {
	GetSlot(ctx context.Context, id string) (Slot, error)
	ListOpenSlots(ctx context.Context, contributionID string, after time.Time) ([]Slot, error)
	SaveSlot(ctx context.Context, slot Slot) error
	CountActive(ctx context.Context, slotID string) (int64, error)
	CreateBooking(ctx context.Context, booking Booking) error
	UpdateStatus(ctx context.Context, contributionID, clientID string, ids []string, from []Status, to Status, at time.Time) (int64, error)
	ListBookings(ctx context.Context, contributionID, clientID string) ([]Booking, error)

	ListSlots(ctx context.Context, contributionID string) ([]Slot, error)
	// CreateNotes inserts notes, skipping any the client already has for the session.
	CreateNotes(ctx context.Context, notes []Note) (int64, error)
	ListNotes(ctx context.Context, contributionID, clientID string) ([]Note, error)

	SavePackage(ctx context.Context, pkg PackagePurchase) error
	FindPackage(ctx context.Context, contributionID, transactionID string) (PackagePurchase, error)
	ListPackages(ctx context.Context, contributionID, userID string) ([]PackagePurchase, error)
}
