package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/cohere/internal/catalog/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db *gorm.DB
}

// Repository adds fixture writes on top of the read-side catalog.
type Repository interface {
	domain.Repository
	SaveContribution(ctx context.Context, c domain.Contribution) error
	SaveCoupon(ctx context.Context, c domain.Coupon) error
	SaveAccessCode(ctx context.Context, a domain.AccessCode) error
}

func New(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetContribution(ctx context.Context, id string) (domain.Contribution, error) {
	var record contributionRecord
	err := r.db.WithContext(ctx).Preload("BillingPlans").First(&record, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if err != nil {
		return domain.Contribution{}, err
	}
	return toDomain(record)
}

func (r *repository) FindByProductID(ctx context.Context, productID string) (domain.Contribution, error) {
	var record contributionRecord
	err := r.db.WithContext(ctx).Preload("BillingPlans").First(&record, "product_id = ?", strings.TrimSpace(productID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if err != nil {
		return domain.Contribution{}, err
	}
	return toDomain(record)
}

func (r *repository) FindByBillingPlan(ctx context.Context, planID string) (domain.Contribution, error) {
	var plan billingPlanRecord
	err := r.db.WithContext(ctx).First(&plan, "plan_id = ?", strings.TrimSpace(planID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if err != nil {
		return domain.Contribution{}, err
	}
	return r.GetContribution(ctx, plan.ContributionID)
}

func (r *repository) GetCoupon(ctx context.Context, id string) (domain.Coupon, error) {
	var record couponRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		ID:             record.ID,
		ContributionID: record.ContributionID,
		PercentOff:     record.PercentOff,
		ExpiresAt:      record.ExpiresAt,
	}, nil
}

func (r *repository) FindAccessCode(ctx context.Context, contributionID, code string) (domain.AccessCode, error) {
	var record accessCodeRecord
	err := r.db.WithContext(ctx).
		First(&record, "contribution_id = ? AND code = ?", strings.TrimSpace(contributionID), strings.TrimSpace(code)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AccessCode{}, domain.ErrAccessCodeNotFound
	}
	if err != nil {
		return domain.AccessCode{}, err
	}
	return domain.AccessCode{
		Code:           record.Code,
		ContributionID: record.ContributionID,
		ExpiresAt:      record.ExpiresAt,
	}, nil
}

func (r *repository) SaveContribution(ctx context.Context, c domain.Contribution) error {
	record, err := fromDomain(c)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plans := record.BillingPlans
		record.BillingPlans = nil
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return err
		}
		if err := tx.Where("contribution_id = ?", record.ID).Delete(&billingPlanRecord{}).Error; err != nil {
			return err
		}
		if len(plans) == 0 {
			return nil
		}
		return tx.Create(&plans).Error
	})
}

func (r *repository) SaveCoupon(ctx context.Context, c domain.Coupon) error {
	record := couponRecord{
		ID:             c.ID,
		ContributionID: c.ContributionID,
		PercentOff:     c.PercentOff,
		ExpiresAt:      c.ExpiresAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (r *repository) SaveAccessCode(ctx context.Context, a domain.AccessCode) error {
	record := accessCodeRecord{
		ContributionID: a.ContributionID,
		Code:           a.Code,
		ExpiresAt:      a.ExpiresAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func toDomain(record contributionRecord) (domain.Contribution, error) {
	options := make([]domain.PaymentOption, 0, len(record.PaymentOptions))
	for _, raw := range record.PaymentOptions {
		option, ok := domain.ParsePaymentOption(raw)
		if !ok {
			return domain.Contribution{}, fmt.Errorf("contribution %s: unknown payment option %q", record.ID, raw)
		}
		options = append(options, option)
	}

	plans := make(map[domain.PaymentOption]string, len(record.BillingPlans))
	for _, plan := range record.BillingPlans {
		option, ok := domain.ParsePaymentOption(plan.PaymentOption)
		if !ok {
			continue
		}
		plans[option] = plan.PlanID
	}

	cost, err := costFromRecord(domain.ContributionType(record.Type), record.Cost.Data())
	if err != nil {
		return domain.Contribution{}, fmt.Errorf("contribution %s: %w", record.ID, err)
	}

	return domain.Contribution{
		ID:             record.ID,
		UserID:         record.UserID,
		Title:          record.Title,
		Type:           domain.ContributionType(record.Type),
		Status:         domain.Status(record.Status),
		InvitationOnly: record.InvitationOnly,
		CreatedAt:      record.CreatedAt,
		Payment: domain.PaymentInfo{
			Options:                options,
			Currency:               strings.ToLower(record.Currency),
			CoachPaysStripeFee:     record.CoachPaysStripeFee,
			PaymentType:            domain.PaymentType(record.PaymentType),
			PackagePercentDiscount: record.PackagePercentDiscount,
			PackageSessionNumbers:  record.PackageSessionNumbers,
			BillingPlanIDs:         plans,
			ProductID:              record.ProductID,
			Cost:                   cost,
		},
	}, nil
}

func fromDomain(c domain.Contribution) (contributionRecord, error) {
	if c.Payment.Cost == nil {
		return contributionRecord{}, fmt.Errorf("contribution %s: missing cost variant", c.ID)
	}
	if c.Payment.Cost.Kind() != c.Type {
		return contributionRecord{}, fmt.Errorf("contribution %s: cost variant %s does not match type %s", c.ID, c.Payment.Cost.Kind(), c.Type)
	}

	options := make([]string, 0, len(c.Payment.Options))
	for _, option := range c.Payment.Options {
		options = append(options, string(option))
	}
	plans := make([]billingPlanRecord, 0, len(c.Payment.BillingPlanIDs))
	for option, planID := range c.Payment.BillingPlanIDs {
		plans = append(plans, billingPlanRecord{PlanID: planID, ContributionID: c.ID, PaymentOption: string(option)})
	}

	paymentType := c.Payment.PaymentType
	if paymentType == "" {
		paymentType = domain.PaymentTypeSimple
	}

	return contributionRecord{
		ID:                     c.ID,
		UserID:                 c.UserID,
		Title:                  c.Title,
		Type:                   string(c.Type),
		Status:                 string(c.Status),
		InvitationOnly:         c.InvitationOnly,
		Currency:               strings.ToLower(c.Payment.Currency),
		CoachPaysStripeFee:     c.Payment.CoachPaysStripeFee,
		PaymentType:            string(paymentType),
		PackagePercentDiscount: c.Payment.PackagePercentDiscount,
		PackageSessionNumbers:  c.Payment.PackageSessionNumbers,
		ProductID:              c.Payment.ProductID,
		PaymentOptions:         datatypes.NewJSONSlice(options),
		Cost:                   datatypes.NewJSONType(costToRecord(c.Payment.Cost)),
		BillingPlans:           plans,
	}, nil
}

func costToRecord(v domain.CostVariant) costRecord {
	switch cost := v.(type) {
	case domain.CourseCost:
		return costRecord{Kind: string(cost.Kind()), Cost: cost.Cost, SplitCost: cost.SplitCost, SplitNumbers: cost.SplitNumbers, SplitPeriod: cost.SplitPeriod}
	case domain.OneToOneCost:
		return costRecord{Kind: string(cost.Kind()), SessionCost: cost.SessionCost, PackageCost: cost.PackageCost, MonthlyCost: cost.MonthlyCost, SessionsPerMonth: cost.SessionsPerMonth, SubscriptionDuration: cost.SubscriptionDuration}
	case domain.MembershipCost:
		return costRecord{Kind: string(cost.Kind()), Daily: cost.Daily, Weekly: cost.Weekly, Monthly: cost.Monthly, Yearly: cost.Yearly, Package: cost.Package}
	case domain.CommunityCost:
		return costRecord{Kind: string(cost.Kind()), Monthly: cost.Monthly, Yearly: cost.Yearly}
	default:
		return costRecord{}
	}
}

func costFromRecord(kind domain.ContributionType, r costRecord) (domain.CostVariant, error) {
	switch kind {
	case domain.ContributionCourse:
		return domain.CourseCost{Cost: r.Cost, SplitCost: r.SplitCost, SplitNumbers: r.SplitNumbers, SplitPeriod: r.SplitPeriod}, nil
	case domain.ContributionOneToOne:
		return domain.OneToOneCost{SessionCost: r.SessionCost, PackageCost: r.PackageCost, MonthlyCost: r.MonthlyCost, SessionsPerMonth: r.SessionsPerMonth, SubscriptionDuration: r.SubscriptionDuration}, nil
	case domain.ContributionMembership:
		return domain.MembershipCost{Daily: r.Daily, Weekly: r.Weekly, Monthly: r.Monthly, Yearly: r.Yearly, Package: r.Package}, nil
	case domain.ContributionCommunity:
		return domain.CommunityCost{Monthly: r.Monthly, Yearly: r.Yearly}, nil
	default:
		return nil, fmt.Errorf("unknown contribution type %q", kind)
	}
}
