package repository

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type contributionRecord struct {
	ID                     string                          `gorm:"primaryKey;type:varchar(64)"`
	UserID                 string                          `gorm:"type:varchar(64);not null;index"`
	Title                  string                          `gorm:"type:text"`
	Type                   string                          `gorm:"type:varchar(32);not null"`
	Status                 string                          `gorm:"type:varchar(32);not null"`
	InvitationOnly         bool                            `gorm:"not null;default:false"`
	Currency               string                          `gorm:"type:varchar(3);not null"`
	CoachPaysStripeFee     bool                            `gorm:"not null;default:false"`
	PaymentType            string                          `gorm:"type:varchar(16);not null"`
	PackagePercentDiscount decimal.Decimal                 `gorm:"type:numeric(9,4);not null;default:0"`
	PackageSessionNumbers  int                             `gorm:"not null;default:0"`
	ProductID              string                          `gorm:"type:varchar(128);index"`
	PaymentOptions         datatypes.JSONSlice[string]     `gorm:"type:json"`
	Cost                   datatypes.JSONType[costRecord]  `gorm:"type:json"`
	BillingPlans           []billingPlanRecord             `gorm:"foreignKey:ContributionID;references:ID"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (contributionRecord) TableName() string { return "contributions" }

type billingPlanRecord struct {
	PlanID         string `gorm:"primaryKey;type:varchar(128)"`
	ContributionID string `gorm:"type:varchar(64);not null;index"`
	PaymentOption  string `gorm:"type:varchar(64);not null"`
}

func (billingPlanRecord) TableName() string { return "contribution_billing_plans" }

// costRecord flattens every cost variant into one JSON document; Kind selects the variant.
type costRecord struct {
	Kind                 string          `json:"kind"`
	Cost                 decimal.Decimal `json:"cost,omitempty"`
	SplitCost            decimal.Decimal `json:"split_cost,omitempty"`
	SplitNumbers         int             `json:"split_numbers,omitempty"`
	SplitPeriod          string          `json:"split_period,omitempty"`
	SessionCost          decimal.Decimal `json:"session_cost,omitempty"`
	PackageCost          decimal.Decimal `json:"package_cost,omitempty"`
	MonthlyCost          decimal.Decimal `json:"monthly_cost,omitempty"`
	SessionsPerMonth     int             `json:"sessions_per_month,omitempty"`
	SubscriptionDuration int             `json:"subscription_duration,omitempty"`
	Daily                decimal.Decimal `json:"daily,omitempty"`
	Weekly               decimal.Decimal `json:"weekly,omitempty"`
	Monthly              decimal.Decimal `json:"monthly,omitempty"`
	Yearly               decimal.Decimal `json:"yearly,omitempty"`
	Package              decimal.Decimal `json:"package,omitempty"`
}

type couponRecord struct {
	ID             string          `gorm:"primaryKey;type:varchar(64)"`
	ContributionID string          `gorm:"type:varchar(64);index"`
	PercentOff     decimal.Decimal `gorm:"type:numeric(7,4);not null"`
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

func (couponRecord) TableName() string { return "coupons" }

type accessCodeRecord struct {
	ContributionID string    `gorm:"primaryKey;type:varchar(64)"`
	Code           string    `gorm:"primaryKey;type:varchar(64)"`
	ExpiresAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

func (accessCodeRecord) TableName() string { return "access_codes" }

// Models lists the gorm models owned by the catalog read model.
func Models() []any {
	return []any{&contributionRecord{}, &billingPlanRecord{}, &couponRecord{}, &accessCodeRecord{}}
}
