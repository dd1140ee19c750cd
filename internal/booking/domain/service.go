package domain

import "context"

// Service is the booking collaborator consumed by checkout and reconciliation.
type Service interface {
	// BookTime places tentative bookings in the given slots and returns the booked class ids.
	BookTime(ctx context.Context, contributionID, clientID string, slotIDs []string) ([]string, error)
	Confirm(ctx context.Context, contributionID, clientID string, classIDs []string) error
	Release(ctx context.Context, contributionID, clientID string, classIDs []string) error
	// AutoBookSingleSession books the only remaining open slot, if exactly one exists.
	AutoBookSingleSession(ctx context.Context, contributionID, clientID string) ([]string, error)

	// CreateCourseNotes gives the client a notes page for every session of a course.
	CreateCourseNotes(ctx context.Context, contributionID, clientID string) (int, error)

	CreatePackage(ctx context.Context, pkg PackagePurchase) (PackagePurchase, error)
	ConfirmPackage(ctx context.Context, contributionID, transactionID string) error
	// AddMonthlyAllotment credits one paid month of sessions to a subscription package.
	AddMonthlyAllotment(ctx context.Context, contributionID, transactionID string, sessions int) error
	CompleteSubscriptionPackages(ctx context.Context, contributionID, userID string) error
}
