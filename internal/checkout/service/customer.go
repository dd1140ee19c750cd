package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/cohere/internal/checkout/domain"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	"go.uber.org/zap"
)

// EnsureCustomerForCurrency returns the client's gateway customer bound to currency,
// creating and persisting an alternate customer when the default one is bound elsewhere.
// A gateway customer's currency cannot change once a payment object exists for it.
func (s *Service) EnsureCustomerForCurrency(ctx context.Context, clientID, currency string) (string, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	user, err := s.users.GetUser(ctx, clientID)
	if errors.Is(err, identitydomain.ErrUserNotFound) {
		return "", domain.NewValidation(domain.CodeCustomerMissing, "client has no payment customer")
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(user.CustomerID) == "" {
		return "", domain.NewValidation(domain.CodeCustomerMissing, "client has no payment customer")
	}
	if strings.EqualFold(user.CustomerCurrency, currency) {
		return user.CustomerID, nil
	}

	existing, err := s.users.FindCustomer(ctx, user.ID, currency)
	if err == nil {
		return existing.CustomerID, nil
	}
	if !errors.Is(err, identitydomain.ErrCustomerNotFound) {
		return "", err
	}

	customer, err := s.gateway.CreateCustomer(ctx, gatewaydomain.CustomerInput{
		Email:    user.Email,
		Name:     user.FullName(),
		Currency: currency,
		Metadata: map[string]string{gatewaydomain.MetaClientID: user.ID},
	})
	if err != nil {
		return "", fmt.Errorf("create %s customer: %w", currency, err)
	}
	if err := s.users.SaveCustomer(ctx, identitydomain.Customer{
		UserID:     user.ID,
		Currency:   currency,
		CustomerID: customer.ID,
	}); err != nil {
		return "", err
	}
	s.log.Info("created currency customer",
		zap.String("client_id", user.ID),
		zap.String("currency", currency),
		zap.String("customer_id", customer.ID),
	)
	return customer.ID, nil
}
