package domain

import (
	"errors"
	"fmt"
)

// Code names a checkout precondition failure shown to the client.
type Code string

const (
	CodeNotEntitled             Code = "not_entitled"
	CodeAlreadyPurchased        Code = "already_purchased"
	CodePaymentProcessing       Code = "payment_processing"
	CodeContributionNotFound    Code = "contribution_not_found"
	CodeContributionNotApproved Code = "contribution_not_approved"
	CodeOptionNotAllowed        Code = "payment_option_not_allowed"
	CodeAccessCodeInvalid       Code = "access_code_invalid"
	CodeCouponInvalid           Code = "coupon_invalid"
	CodeStandardAccountRequired Code = "standard_account_required"
	CodeCustomerMissing         Code = "customer_missing"
	CodeAlreadyJoined           Code = "already_joined"
	CodeSlotUnavailable         Code = "slot_unavailable"
)

// ValidationError is a precondition failure. It is returned to the caller and never retried.
type ValidationError struct {
	Code   Code
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func NewValidation(code Code, reason string) error {
	return &ValidationError{Code: code, Reason: reason}
}

// CodeOf returns the validation code carried by err, or "".
func CodeOf(err error) Code {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}

func IsValidation(err error) bool {
	return CodeOf(err) != ""
}

// IsNotEntitled groups the failures meaning the client cannot buy this option at all.
func IsNotEntitled(err error) bool {
	switch CodeOf(err) {
	case CodeNotEntitled, CodeOptionNotAllowed, CodeCustomerMissing, CodeStandardAccountRequired:
		return true
	}
	return false
}
