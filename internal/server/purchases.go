package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/pkg/db/pagination"
)

type paymentView struct {
	TransactionID       string          `json:"transaction_id"`
	PaymentOption       string          `json:"payment_option"`
	Status              string          `json:"status"`
	PurchaseAmount      decimal.Decimal `json:"purchase_amount"`
	GrossPurchaseAmount decimal.Decimal `json:"gross_purchase_amount"`
	TransferAmount      decimal.Decimal `json:"transfer_amount"`
	CohereFee           decimal.Decimal `json:"cohere_fee"`
	ProcessingFee       decimal.Decimal `json:"processing_fee"`
	Currency            string          `json:"currency"`
	IsInEscrow          bool            `json:"is_in_escrow"`
	IsAccessRevoked     bool            `json:"is_access_revoked"`
	BookedClassesIDs    []string        `json:"booked_classes_ids,omitempty"`
	DateTimeCharged     time.Time       `json:"date_time_charged"`
}

type purchaseView struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"client_id"`
	ContributionID   string        `json:"contribution_id"`
	ContributionType string        `json:"contribution_type"`
	SubscriptionID   string        `json:"subscription_id,omitempty"`
	IsPaidByInvoice  bool          `json:"is_paid_by_invoice"`
	Payments         []paymentView `json:"payments"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (s *Server) ListContributorPurchases(c *gin.Context) {
	contributorID := strings.TrimSpace(c.Param("contributorId"))
	if contributorID == "" {
		AbortWithError(c, newValidationError("contributor_id", "required", "contributor_id is required"))
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	purchases, pageInfo, err := s.purchases.ListByContributor(c.Request.Context(), contributorID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]purchaseView, 0, len(purchases))
	for _, p := range purchases {
		views = append(views, toPurchaseView(p))
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": pageInfo})
}

type releaseEscrowRequest struct {
	ContributionID string `json:"contribution_id"`
	ClassID        string `json:"class_id"`
	ParticipantID  string `json:"participant_id"`
}

func (s *Server) ReleaseEscrow(c *gin.Context) {
	var req releaseEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	released, err := s.escrow.ReleaseEscrow(c.Request.Context(),
		strings.TrimSpace(req.ContributionID),
		strings.TrimSpace(req.ClassID),
		strings.TrimSpace(req.ParticipantID),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"released": released}})
}

func (s *Server) RevokeAccess(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("transactionId"))
	if err := s.escrow.RevokeAccess(c.Request.Context(), transactionID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func toPurchaseView(p purchasedomain.Purchase) purchaseView {
	payments := make([]paymentView, 0, len(p.Payments))
	for _, pay := range p.Payments {
		payments = append(payments, paymentView{
			TransactionID:       pay.TransactionID,
			PaymentOption:       string(pay.PaymentOption),
			Status:              string(pay.Status),
			PurchaseAmount:      pay.PurchaseAmount,
			GrossPurchaseAmount: pay.GrossPurchaseAmount,
			TransferAmount:      pay.TransferAmount,
			CohereFee:           pay.CohereFee,
			ProcessingFee:       pay.ProcessingFee,
			Currency:            pay.Currency,
			IsInEscrow:          pay.IsInEscrow,
			IsAccessRevoked:     pay.IsAccessRevoked,
			BookedClassesIDs:    pay.BookedClassesIDs,
			DateTimeCharged:     pay.DateTimeCharged,
		})
	}
	return purchaseView{
		ID:               p.ID,
		ClientID:         p.ClientID,
		ContributionID:   p.ContributionID,
		ContributionType: string(p.ContributionType),
		SubscriptionID:   p.SubscriptionID,
		IsPaidByInvoice:  p.IsPaidByInvoice,
		Payments:         payments,
		CreatedAt:        p.CreatedAt,
	}
}
