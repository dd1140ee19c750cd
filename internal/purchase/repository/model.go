package repository

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type purchaseRecord struct {
	ID                    string    `gorm:"primaryKey;type:varchar(64)"`
	ClientID              string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_purchases_client_contribution"`
	ContributionID        string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_purchases_client_contribution"`
	ContributorID         string    `gorm:"type:varchar(64);not null;index:ix_purchases_contributor"`
	ContributionType      string    `gorm:"type:varchar(32);not null"`
	PaymentType           string    `gorm:"type:varchar(16);not null"`
	SubscriptionID        string    `gorm:"type:varchar(128);index"`
	CouponID              string    `gorm:"type:varchar(64)"`
	SplitNumbers          int       `gorm:"not null;default:0"`
	IsFirstPaymentHandled bool      `gorm:"not null;default:false"`
	IsPaidByInvoice       bool      `gorm:"not null;default:false"`
	Version               int64     `gorm:"not null;default:1"`
	CreatedAt             time.Time `gorm:"index:ix_purchases_contributor"`
	UpdatedAt             time.Time
}

func (purchaseRecord) TableName() string { return "purchases" }

type paymentRecord struct {
	ID                  int64                            `gorm:"primaryKey;autoIncrement:false"`
	PurchaseID          string                           `gorm:"type:varchar(64);not null;index"`
	Seq                 int                              `gorm:"not null"`
	TransactionID       string                           `gorm:"type:varchar(128);not null;uniqueIndex"`
	PaymentOption       string                           `gorm:"type:varchar(64);not null"`
	Status              string                           `gorm:"type:varchar(32);not null"`
	PurchaseAmount      decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	GrossPurchaseAmount decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	TransferAmount      decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	ProcessingFee       decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	CoachFee            decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	ClientFee           decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	CohereFee           decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	TotalCost           decimal.Decimal                  `gorm:"type:numeric(20,6);not null;default:0"`
	Currency            string                           `gorm:"type:varchar(3)"`
	PurchaseCurrency    string                           `gorm:"type:varchar(3)"`
	ExchangeRate        decimal.Decimal                  `gorm:"type:numeric(20,10);not null;default:1"`
	IsInEscrow          bool                             `gorm:"not null;default:false"`
	IsAccessRevoked     bool                             `gorm:"not null;default:false"`
	BookedClassesIDs    datatypes.JSONSlice[string]      `gorm:"type:json"`
	InvoiceID           string                           `gorm:"type:varchar(128)"`
	AffiliateAmount     decimal.NullDecimal              `gorm:"type:numeric(20,6)"`
	AffiliateInEscrow   bool                             `gorm:"not null;default:false"`
	Balance             datatypes.JSONType[*balanceJSON] `gorm:"type:json"`
	DateTimeCharged     time.Time
}

func (paymentRecord) TableName() string { return "purchase_payments" }

type balanceJSON struct {
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	Net          decimal.Decimal `json:"net"`
	Currency     string          `json:"currency"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

func Models() []any {
	return []any{&purchaseRecord{}, &paymentRecord{}}
}
