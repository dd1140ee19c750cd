package domain

import (
	"context"
	"errors"
	"fmt"

	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
)

var (
	ErrContributionUnresolved = errors.New("reconcile_contribution_unresolved")
	ErrClientUnresolved       = errors.New("reconcile_client_unresolved")
	ErrOptionUnresolved       = errors.New("reconcile_payment_option_unresolved")
	ErrSettlementUnavailable  = errors.New("reconcile_settlement_unavailable")
)

// ReconciliationError marks a webhook that could not be applied yet. The transport
// should let the gateway redeliver it.
type ReconciliationError struct {
	Op  string
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Wrap tags err as a reconciliation failure of op. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *ReconciliationError
	if errors.As(err, &rerr) {
		return err
	}
	return &ReconciliationError{Op: op, Err: err}
}

func IsReconciliation(err error) bool {
	var rerr *ReconciliationError
	return errors.As(err, &rerr)
}

// Service applies verified gateway events to the purchase ledger. fromConnectedAccount
// scopes follow-up gateway lookups to evt.Account.
type Service interface {
	HandlePaymentObjectEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error
	HandleInvoiceEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error
	HandleCheckoutSessionEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error
	HandleSubscriptionCanceledEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error
}
