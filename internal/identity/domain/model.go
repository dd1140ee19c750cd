package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUserNotFound     = errors.New("user_not_found")
	ErrCustomerNotFound = errors.New("customer_not_found")
)

// User is the slice of an account the purchase engine reads: gateway
// identities, payout destination, fee tier, and referral.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Country   string

	// CustomerID is the default gateway customer, bound to CustomerCurrency.
	CustomerID       string
	CustomerCurrency string

	// ConnectedAccountID receives transfers for Simple payments.
	ConnectedAccountID string
	// StandardAccountID is required for Advance payments.
	StandardAccountID string

	PlatformTier string
	// IsBetaUser marks the legacy fee arrangement.
	IsBetaUser bool
	// ReferredByUserID is the affiliate who introduced this payee.
	ReferredByUserID string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u User) IsReferred() bool {
	return strings.TrimSpace(u.ReferredByUserID) != ""
}

// Customer binds a gateway customer id to one currency for a user.
type Customer struct {
	UserID     string
	Currency   string
	CustomerID string
}

type Repository interface {
	GetUser(ctx context.Context, id string) (User, error)
	// FindByCustomerID resolves a user from any of their gateway customer ids.
	FindByCustomerID(ctx context.Context, customerID string) (User, error)
	FindCustomer(ctx context.Context, userID, currency string) (Customer, error)
	SaveCustomer(ctx context.Context, customer Customer) error
	SaveUser(ctx context.Context, user User) error
}
