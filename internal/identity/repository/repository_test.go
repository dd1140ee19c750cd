package repository

import (
	"context"
	"testing"

	"github.com/smallbiznis/cohere/internal/identity/domain"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindByCustomerIDChecksAlternateCurrencies(t *testing.T) {
	ctx := context.Background()
	repo := New(testutil.OpenDB(t, Models()...))

	require.NoError(t, repo.SaveUser(ctx, domain.User{ID: "u-1", CustomerID: "cus_usd", CustomerCurrency: "USD"}))
	require.NoError(t, repo.SaveCustomer(ctx, domain.Customer{UserID: "u-1", Currency: "EUR", CustomerID: "cus_eur"}))

	byDefault, err := repo.FindByCustomerID(ctx, "cus_usd")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byDefault.ID)

	byAlternate, err := repo.FindByCustomerID(ctx, "cus_eur")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byAlternate.ID)

	_, err = repo.FindByCustomerID(ctx, "cus_unknown")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestSaveCustomerReplacesMapping(t *testing.T) {
	ctx := context.Background()
	repo := New(testutil.OpenDB(t, Models()...))

	require.NoError(t, repo.SaveCustomer(ctx, domain.Customer{UserID: "u-1", Currency: "eur", CustomerID: "cus_a"}))
	require.NoError(t, repo.SaveCustomer(ctx, domain.Customer{UserID: "u-1", Currency: "EUR", CustomerID: "cus_b"}))

	customer, err := repo.FindCustomer(ctx, "u-1", "eur")
	require.NoError(t, err)
	assert.Equal(t, "cus_b", customer.CustomerID)

	_, err = repo.FindCustomer(ctx, "u-1", "gbp")
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}
