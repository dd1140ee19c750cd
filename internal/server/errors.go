package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/cohere/internal/booking/domain"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	reconciledomain "github.com/smallbiznis/cohere/internal/reconcile/domain"
	"github.com/smallbiznis/cohere/internal/transfer"
	webhookdomain "github.com/smallbiznis/cohere/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// checkout preconditions carry a reason written for the client
	var cErr *checkoutdomain.ValidationError
	if errors.As(err, &cErr) {
		return checkoutStatus(cErr.Code), errorPayload{
			Type:    "checkout_error",
			Code:    string(cErr.Code),
			Message: cErr.Reason,
		}
	}

	var gErr *gatewaydomain.Error
	if errors.As(err, &gErr) {
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Code:    gErr.Code,
			Message: gErr.Message,
		}
	}

	var rErr *reconciledomain.ReconciliationError
	if errors.As(err, &rErr) {
		return http.StatusInternalServerError, errorPayload{
			Type:    "reconciliation_error",
			Message: "event could not be reconciled yet",
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isWebhookRejection(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Code:    err.Error(),
			Message: "webhook rejected",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "request",
					Code:    err.Error(),
					Message: "invalid value",
				},
			},
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, purchasedomain.ErrStaleAggregate),
		errors.Is(err, purchasedomain.ErrDuplicateTransaction),
		errors.Is(err, purchasedomain.ErrDuplicatePending):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, webhookdomain.ErrSecretMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func checkoutStatus(code checkoutdomain.Code) int {
	switch code {
	case checkoutdomain.CodeAlreadyPurchased,
		checkoutdomain.CodePaymentProcessing,
		checkoutdomain.CodeAlreadyJoined:
		return http.StatusConflict
	case checkoutdomain.CodeContributionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// classifyErrorForLog returns the error type and code recorded on the request log line.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isWebhookRejection(err error) bool {
	switch {
	case errors.Is(err, gatewaydomain.ErrInvalidSignature),
		errors.Is(err, gatewaydomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidFamily),
		errors.Is(err, webhookdomain.ErrFamilyMismatch),
		errors.Is(err, webhookdomain.ErrInvalidPayload):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, transfer.ErrInvalidRequest),
		errors.Is(err, purchasedomain.ErrInvalidPurchase),
		errors.Is(err, purchasedomain.ErrInvalidPayment):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, purchasedomain.ErrNotFound),
		errors.Is(err, catalogdomain.ErrContributionNotFound),
		errors.Is(err, catalogdomain.ErrCouponNotFound),
		errors.Is(err, identitydomain.ErrUserNotFound),
		errors.Is(err, bookingdomain.ErrSlotNotFound),
		errors.Is(err, gatewaydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
