package domain

import (
	"context"
	"errors"
)

var (
	ErrContributionNotFound = errors.New("contribution_not_found")
	ErrCouponNotFound       = errors.New("coupon_not_found")
	ErrAccessCodeNotFound   = errors.New("access_code_not_found")
)

// Repository is the read side of the contribution catalog.
type Repository interface {
	GetContribution(ctx context.Context, id string) (Contribution, error)
	FindByProductID(ctx context.Context, productID string) (Contribution, error)
	FindByBillingPlan(ctx context.Context, planID string) (Contribution, error)
	GetCoupon(ctx context.Context, id string) (Coupon, error)
	FindAccessCode(ctx context.Context, contributionID, code string) (AccessCode, error)
}
