package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	obscontext "github.com/smallbiznis/cohere/internal/observability/context"
)

type checkoutRequest struct {
	ContributionID string   `json:"contribution_id"`
	PaymentOption  string   `json:"payment_option"`
	CouponID       string   `json:"coupon_id"`
	AccessCode     string   `json:"access_code"`
	SlotIDs        []string `json:"slot_ids"`
	PayByInvoice   bool     `json:"pay_by_invoice"`
}

type checkoutResponse struct {
	Kind              string          `json:"kind"`
	PurchaseID        string          `json:"purchase_id,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	ClientSecret      string          `json:"client_secret,omitempty"`
	SubscriptionID    string          `json:"subscription_id,omitempty"`
	InvoiceID         string          `json:"invoice_id,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	BookedClassesIDs  []string        `json:"booked_classes_ids,omitempty"`
	PaymentObjectType string          `json:"payment_object_type,omitempty"`
}

type checkoutFunc func(ctx context.Context, req checkoutdomain.Request) (checkoutdomain.Result, error)

func (s *Server) PurchaseOneToOneSession(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.PurchaseOneToOneSession)
}

func (s *Server) PurchaseSessionsPackage(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.PurchaseSessionsPackage)
}

func (s *Server) PurchaseMonthlySessionSubscription(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.PurchaseMonthlySessionSubscription)
}

func (s *Server) PurchaseCourse(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.PurchaseCourse)
}

func (s *Server) PurchaseMembership(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.PurchaseMembership)
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.CreateCheckoutSession)
}

func (s *Server) JoinFree(c *gin.Context) {
	s.handleCheckout(c, s.checkoutSvc.JoinFree)
}

func (s *Server) handleCheckout(c *gin.Context, fn checkoutFunc) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	contributionID := strings.TrimSpace(req.ContributionID)
	if contributionID == "" {
		AbortWithError(c, newValidationError("contribution_id", "required", "contribution_id is required"))
		return
	}

	var option catalogdomain.PaymentOption
	if raw := strings.TrimSpace(req.PaymentOption); raw != "" {
		parsed, ok := catalogdomain.ParsePaymentOption(raw)
		if !ok {
			AbortWithError(c, newValidationError("payment_option", "invalid_payment_option", "unknown payment option"))
			return
		}
		option = parsed
	}

	c.Request = c.Request.WithContext(obscontext.WithPurchase(c.Request.Context(), "", contributionID))
	result, err := fn(c.Request.Context(), checkoutdomain.Request{
		ContributionID: contributionID,
		ClientID:       clientIDFrom(c),
		PaymentOption:  option,
		CouponID:       strings.TrimSpace(req.CouponID),
		AccessCode:     strings.TrimSpace(req.AccessCode),
		SlotIDs:        req.SlotIDs,
		PayByInvoice:   req.PayByInvoice,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toCheckoutResponse(result)})
}

func toCheckoutResponse(r checkoutdomain.Result) checkoutResponse {
	return checkoutResponse{
		Kind:              string(r.Kind),
		PurchaseID:        r.PurchaseID,
		TransactionID:     r.TransactionID,
		ClientSecret:      r.ClientSecret,
		SubscriptionID:    r.SubscriptionID,
		InvoiceID:         r.InvoiceID,
		RedirectURL:       r.RedirectURL,
		Amount:            r.Amount,
		Currency:          r.Currency,
		BookedClassesIDs:  r.BookedClassesIDs,
		PaymentObjectType: r.PaymentObjectType,
	}
}
