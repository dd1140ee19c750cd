package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ContributionType string

const (
	ContributionCourse     ContributionType = "ContributionCourse"
	ContributionOneToOne   ContributionType = "ContributionOneToOne"
	ContributionMembership ContributionType = "ContributionMembership"
	ContributionCommunity  ContributionType = "ContributionCommunity"
)

type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPending  Status = "InReview"
	StatusApproved Status = "Approved"
	StatusDeclined Status = "Declined"
)

// PaymentType selects who owns the gateway charge.
// Simple charges land on the platform and are transferred; Advance charges land on the
// payee's standard account directly.
type PaymentType string

const (
	PaymentTypeSimple  PaymentType = "Simple"
	PaymentTypeAdvance PaymentType = "Advance"
)

type PaymentOption string

const (
	PerSession                 PaymentOption = "PerSession"
	SessionsPackage            PaymentOption = "SessionsPackage"
	FreeSessionsPackage        PaymentOption = "FreeSessionsPackage"
	EntireCourse               PaymentOption = "EntireCourse"
	SplitPayments              PaymentOption = "SplitPayments"
	MonthlySessionSubscription PaymentOption = "MonthlySessionSubscription"
	DailyMembership            PaymentOption = "DailyMembership"
	WeeklyMembership           PaymentOption = "WeeklyMembership"
	MonthlyMembership          PaymentOption = "MonthlyMembership"
	YearlyMembership           PaymentOption = "YearlyMembership"
	MembershipPackage          PaymentOption = "MembershipPackage"
	Free                       PaymentOption = "Free"
	Trial                      PaymentOption = "Trial"
	InvoicePayment             PaymentOption = "InvoicePayment"
)

var knownOptions = map[PaymentOption]struct{}{
	PerSession: {}, SessionsPackage: {}, FreeSessionsPackage: {}, EntireCourse: {},
	SplitPayments: {}, MonthlySessionSubscription: {}, DailyMembership: {}, WeeklyMembership: {},
	MonthlyMembership: {}, YearlyMembership: {}, MembershipPackage: {}, Free: {}, Trial: {},
	InvoicePayment: {},
}

// ParsePaymentOption accepts the option name case-insensitively.
func ParsePaymentOption(raw string) (PaymentOption, bool) {
	raw = strings.TrimSpace(raw)
	for option := range knownOptions {
		if strings.EqualFold(string(option), raw) {
			return option, true
		}
	}
	return "", false
}

// IsMembership reports whether the option buys a recurring membership period.
func (o PaymentOption) IsMembership() bool {
	switch o {
	case DailyMembership, WeeklyMembership, MonthlyMembership, YearlyMembership, MembershipPackage:
		return true
	}
	return false
}

// IsSubscription reports whether the option is billed through a gateway subscription.
func (o PaymentOption) IsSubscription() bool {
	return o == SplitPayments || o == MonthlySessionSubscription || o.IsMembership()
}

// IsFree reports whether the option never touches the gateway.
func (o PaymentOption) IsFree() bool {
	return o == Free || o == FreeSessionsPackage || o == Trial
}

type Contribution struct {
	ID             string
	UserID         string
	Title          string
	Type           ContributionType
	Status         Status
	InvitationOnly bool
	Payment        PaymentInfo
	CreatedAt      time.Time
}

func (c Contribution) IsApproved() bool {
	return c.Status == StatusApproved
}

type PaymentInfo struct {
	Options            []PaymentOption
	Currency           string
	CoachPaysStripeFee bool
	PaymentType        PaymentType
	// PackagePercentDiscount applies to SessionsPackage purchases on top of any coupon.
	PackagePercentDiscount decimal.Decimal
	PackageSessionNumbers  int
	// BillingPlanIDs maps subscription options to gateway price ids.
	BillingPlanIDs map[PaymentOption]string
	ProductID      string
	Cost           CostVariant
}

func (p PaymentInfo) Allows(option PaymentOption) bool {
	for _, allowed := range p.Options {
		if allowed == option {
			return true
		}
	}
	return false
}

// OptionForPlan matches a gateway price id against the known billing plans.
func (p PaymentInfo) OptionForPlan(planID string) (PaymentOption, bool) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return "", false
	}
	for option, id := range p.BillingPlanIDs {
		if id == planID {
			return option, true
		}
	}
	return "", false
}

// CostVariant is the per-kind price shape of a contribution. Exactly one
// implementation exists per ContributionType.
type CostVariant interface {
	Kind() ContributionType
	isCostVariant()
}

type CourseCost struct {
	Cost         decimal.Decimal
	SplitCost    decimal.Decimal
	SplitNumbers int
	SplitPeriod  string
}

type OneToOneCost struct {
	SessionCost          decimal.Decimal
	PackageCost          decimal.Decimal
	MonthlyCost          decimal.Decimal
	SessionsPerMonth     int
	SubscriptionDuration int
}

type MembershipCost struct {
	Daily   decimal.Decimal
	Weekly  decimal.Decimal
	Monthly decimal.Decimal
	Yearly  decimal.Decimal
	Package decimal.Decimal
}

type CommunityCost struct {
	Monthly decimal.Decimal
	Yearly  decimal.Decimal
}

func (CourseCost) Kind() ContributionType     { return ContributionCourse }
func (OneToOneCost) Kind() ContributionType   { return ContributionOneToOne }
func (MembershipCost) Kind() ContributionType { return ContributionMembership }
func (CommunityCost) Kind() ContributionType  { return ContributionCommunity }

func (CourseCost) isCostVariant()     {}
func (OneToOneCost) isCostVariant()   {}
func (MembershipCost) isCostVariant() {}
func (CommunityCost) isCostVariant()  {}

type Coupon struct {
	ID             string
	ContributionID string
	PercentOff     decimal.Decimal
	ExpiresAt      *time.Time
}

// IsFullDiscount reports the 100%-off case that bypasses the gateway.
func (c Coupon) IsFullDiscount() bool {
	return c.PercentOff.GreaterThanOrEqual(decimal.NewFromInt(100))
}

func (c Coupon) ActiveAt(now time.Time) bool {
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

type AccessCode struct {
	Code           string
	ContributionID string
	ExpiresAt      time.Time
}

func (a AccessCode) ValidAt(now time.Time) bool {
	return now.Before(a.ExpiresAt)
}
