package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/pkg/db/pagination"
)

var (
	ErrNotFound             = errors.New("purchase_not_found")
	ErrStaleAggregate       = errors.New("purchase_stale_aggregate")
	ErrDuplicateTransaction = errors.New("purchase_duplicate_transaction")
	ErrDuplicatePending     = errors.New("purchase_duplicate_pending_payment")
	ErrInvalidTransition    = errors.New("purchase_invalid_status_transition")
	ErrInvalidPayment       = errors.New("purchase_invalid_payment")
	ErrInvalidPurchase      = errors.New("purchase_invalid")
)

type Repository interface {
	Get(ctx context.Context, clientID, contributionID string) (*Purchase, error)
	GetByID(ctx context.Context, id string) (*Purchase, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*Purchase, error)
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Purchase, error)
	// Save inserts or updates the full aggregate and enqueues evts in the same transaction.
	// A concurrent write since the aggregate was read yields ErrStaleAggregate.
	Save(ctx context.Context, p *Purchase, evts ...events.Event) error
	ListByContributor(ctx context.Context, contributorID string, page pagination.Pagination) ([]Purchase, pagination.PageInfo, error)
	// ListStalePending returns purchases holding an awaiting-payment entry and last
	// written before the cutoff, oldest first.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Purchase, error)
}
