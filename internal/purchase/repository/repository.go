package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/pkg/db"
	"github.com/smallbiznis/cohere/pkg/db/pagination"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventWriter enqueues outbox events inside an open transaction.
type EventWriter interface {
	PublishTx(tx *gorm.DB, evts ...events.Event) error
}

type Params struct {
	fx.In

	DB     *gorm.DB
	GenID  *snowflake.Node
	Events EventWriter
	Clock  clock.Clock `optional:"true"`
}

type repository struct {
	db     *gorm.DB
	genID  *snowflake.Node
	events EventWriter
	clock  clock.Clock
}

func New(p Params) domain.Repository {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &repository{db: p.DB, genID: p.GenID, events: p.Events, clock: clk}
}

// Provide adapts the outbox to EventWriter for fx.
func Provide(database *gorm.DB, genID *snowflake.Node, outbox *events.Outbox, clk clock.Clock) domain.Repository {
	return New(Params{DB: database, GenID: genID, Events: outbox, Clock: clk})
}

func (r *repository) Get(ctx context.Context, clientID, contributionID string) (*domain.Purchase, error) {
	return r.findOne(ctx, "client_id = ? AND contribution_id = ?", strings.TrimSpace(clientID), strings.TrimSpace(contributionID))
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Purchase, error) {
	return r.findOne(ctx, "id = ?", strings.TrimSpace(id))
}

func (r *repository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Purchase, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" || subscriptionID == domain.FreeGrantSubscriptionID {
		return nil, domain.ErrNotFound
	}
	return r.findOne(ctx, "subscription_id = ?", subscriptionID)
}

func (r *repository) FindByTransactionID(ctx context.Context, transactionID string) (*domain.Purchase, error) {
	var payment paymentRecord
	err := r.db.WithContext(ctx).Select("purchase_id").First(&payment, "transaction_id = ?", strings.TrimSpace(transactionID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, payment.PurchaseID)
}

func (r *repository) findOne(ctx context.Context, query string, args ...any) (*domain.Purchase, error) {
	var record purchaseRecord
	err := r.db.WithContext(ctx).Where(query, args...).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var payments []paymentRecord
	if err := r.db.WithContext(ctx).Where("purchase_id = ?", record.ID).Order("seq ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	p := toDomain(record, payments)
	return &p, nil
}

func (r *repository) Save(ctx context.Context, p *domain.Purchase, evts ...events.Event) error {
	if p == nil || p.ClientID == "" || p.ContributionID == "" {
		return domain.ErrInvalidPurchase
	}
	now := r.clock.Now().UTC()
	isNew := p.IsNew()
	id := p.ID
	if id == "" {
		id = r.genID.Generate().String()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	nextVersion := p.Version + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := fromDomain(p, id, nextVersion, createdAt, now)
		if isNew {
			if err := tx.Create(&record).Error; err != nil {
				if db.IsDuplicateKeyErr(err) {
					return domain.ErrStaleAggregate
				}
				return err
			}
		} else {
			res := tx.Model(&purchaseRecord{}).
				Where("id = ? AND version = ?", id, p.Version).
				Updates(map[string]any{
					"contributor_id":           record.ContributorID,
					"contribution_type":        record.ContributionType,
					"payment_type":             record.PaymentType,
					"subscription_id":          record.SubscriptionID,
					"coupon_id":                record.CouponID,
					"split_numbers":            record.SplitNumbers,
					"is_first_payment_handled": record.IsFirstPaymentHandled,
					"is_paid_by_invoice":       record.IsPaidByInvoice,
					"version":                  nextVersion,
					"updated_at":               now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrStaleAggregate
			}
		}

		if err := r.savePayments(tx, id, p.Payments); err != nil {
			return err
		}
		if r.events != nil {
			return r.events.PublishTx(tx, evts...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.ID = id
	p.Version = nextVersion
	p.CreatedAt = createdAt
	p.UpdatedAt = now
	return nil
}

// savePayments upserts payments in aggregate order. Rows are never deleted.
func (r *repository) savePayments(tx *gorm.DB, purchaseID string, payments []domain.Payment) error {
	var existing []paymentRecord
	if err := tx.Select("id", "transaction_id").Where("purchase_id = ?", purchaseID).Find(&existing).Error; err != nil {
		return err
	}
	ids := make(map[string]int64, len(existing))
	for _, e := range existing {
		ids[e.TransactionID] = e.ID
	}

	for i, pay := range payments {
		record := paymentFromDomain(pay, purchaseID, i)
		if id, ok := ids[pay.TransactionID]; ok {
			record.ID = id
			if err := tx.Save(&record).Error; err != nil {
				return fmt.Errorf("update payment %s: %w", pay.TransactionID, err)
			}
			continue
		}
		record.ID = r.genID.Generate().Int64()
		if err := tx.Create(&record).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, pay.TransactionID)
			}
			return fmt.Errorf("insert payment %s: %w", pay.TransactionID, err)
		}
	}
	return nil
}

func (r *repository) ListByContributor(ctx context.Context, contributorID string, page pagination.Pagination) ([]domain.Purchase, pagination.PageInfo, error) {
	limit := page.Limit()
	q := r.db.WithContext(ctx).
		Where("contributor_id = ?", strings.TrimSpace(contributorID)).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, pagination.PageInfo{}, fmt.Errorf("decode page token: %w", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, pagination.PageInfo{}, fmt.Errorf("decode page token: %w", err)
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, cursor.ID)
	}

	var records []purchaseRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}
	records, info := pagination.BuildCursorPageInfo(records, limit, func(rec purchaseRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: rec.ID, CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano)})
		return token
	})
	if len(records) == 0 {
		return []domain.Purchase{}, info, nil
	}

	out, err := r.withPayments(ctx, records)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return out, info, nil
}

func (r *repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	pending := r.db.Model(&paymentRecord{}).
		Select("purchase_id").
		Where("status = ?", string(domain.StatusRequiresPaymentMethod))

	var records []purchaseRecord
	err := r.db.WithContext(ctx).
		Where("updated_at < ? AND id IN (?)", before.UTC(), pending).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []domain.Purchase{}, nil
	}
	return r.withPayments(ctx, records)
}

func (r *repository) withPayments(ctx context.Context, records []purchaseRecord) ([]domain.Purchase, error) {
	purchaseIDs := make([]string, 0, len(records))
	for _, rec := range records {
		purchaseIDs = append(purchaseIDs, rec.ID)
	}
	var payments []paymentRecord
	if err := r.db.WithContext(ctx).Where("purchase_id IN ?", purchaseIDs).Order("seq ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	byPurchase := make(map[string][]paymentRecord, len(records))
	for _, pay := range payments {
		byPurchase[pay.PurchaseID] = append(byPurchase[pay.PurchaseID], pay)
	}

	out := make([]domain.Purchase, 0, len(records))
	for _, rec := range records {
		out = append(out, toDomain(rec, byPurchase[rec.ID]))
	}
	return out, nil
}

func fromDomain(p *domain.Purchase, id string, version int64, createdAt, now time.Time) purchaseRecord {
	return purchaseRecord{
		ID:                    id,
		ClientID:              p.ClientID,
		ContributionID:        p.ContributionID,
		ContributorID:         p.ContributorID,
		ContributionType:      string(p.ContributionType),
		PaymentType:           string(p.PaymentType),
		SubscriptionID:        p.SubscriptionID,
		CouponID:              p.CouponID,
		SplitNumbers:          p.SplitNumbers,
		IsFirstPaymentHandled: p.IsFirstPaymentHandled,
		IsPaidByInvoice:       p.IsPaidByInvoice,
		Version:               version,
		CreatedAt:             createdAt,
		UpdatedAt:             now,
	}
}

func paymentFromDomain(pay domain.Payment, purchaseID string, seq int) paymentRecord {
	record := paymentRecord{
		PurchaseID:          purchaseID,
		Seq:                 seq,
		TransactionID:       pay.TransactionID,
		PaymentOption:       string(pay.PaymentOption),
		Status:              string(pay.Status),
		PurchaseAmount:      pay.PurchaseAmount,
		GrossPurchaseAmount: pay.GrossPurchaseAmount,
		TransferAmount:      pay.TransferAmount,
		ProcessingFee:       pay.ProcessingFee,
		CoachFee:            pay.CoachFee,
		ClientFee:           pay.ClientFee,
		CohereFee:           pay.CohereFee,
		TotalCost:           pay.TotalCost,
		Currency:            pay.Currency,
		PurchaseCurrency:    pay.PurchaseCurrency,
		ExchangeRate:        pay.ExchangeRate,
		IsInEscrow:          pay.IsInEscrow,
		IsAccessRevoked:     pay.IsAccessRevoked,
		BookedClassesIDs:    datatypes.JSONSlice[string](append([]string{}, pay.BookedClassesIDs...)),
		InvoiceID:           pay.InvoiceID,
		DateTimeCharged:     pay.DateTimeCharged.UTC(),
	}
	if record.ExchangeRate.IsZero() {
		record.ExchangeRate = decimal.NewFromInt(1)
	}
	if pay.AffiliateRevenueTransfer != nil {
		record.AffiliateAmount = decimal.NewNullDecimal(pay.AffiliateRevenueTransfer.Amount)
		record.AffiliateInEscrow = pay.AffiliateRevenueTransfer.IsInEscrow
	}
	var balance *balanceJSON
	if b := pay.DestinationBalanceTransaction; b != nil {
		balance = &balanceJSON{
			Amount:       b.Amount,
			Fee:          b.Fee,
			Net:          b.Net,
			Currency:     b.Currency,
			ExchangeRate: b.ExchangeRate,
		}
	}
	record.Balance = datatypes.NewJSONType(balance)
	return record
}

func toDomain(record purchaseRecord, payments []paymentRecord) domain.Purchase {
	p := domain.Purchase{
		ID:                    record.ID,
		ClientID:              record.ClientID,
		ContributorID:         record.ContributorID,
		ContributionID:        record.ContributionID,
		ContributionType:      catalogdomain.ContributionType(record.ContributionType),
		PaymentType:           catalogdomain.PaymentType(record.PaymentType),
		SubscriptionID:        record.SubscriptionID,
		CouponID:              record.CouponID,
		SplitNumbers:          record.SplitNumbers,
		IsFirstPaymentHandled: record.IsFirstPaymentHandled,
		IsPaidByInvoice:       record.IsPaidByInvoice,
		Version:               record.Version,
		CreatedAt:             record.CreatedAt,
		UpdatedAt:             record.UpdatedAt,
		Payments:              make([]domain.Payment, 0, len(payments)),
	}
	for _, pay := range payments {
		p.Payments = append(p.Payments, paymentToDomain(pay))
	}
	return p
}

func paymentToDomain(record paymentRecord) domain.Payment {
	pay := domain.Payment{
		TransactionID:       record.TransactionID,
		PaymentOption:       catalogdomain.PaymentOption(record.PaymentOption),
		Status:              domain.PaymentStatus(record.Status),
		PurchaseAmount:      record.PurchaseAmount,
		GrossPurchaseAmount: record.GrossPurchaseAmount,
		TransferAmount:      record.TransferAmount,
		ProcessingFee:       record.ProcessingFee,
		CoachFee:            record.CoachFee,
		ClientFee:           record.ClientFee,
		CohereFee:           record.CohereFee,
		TotalCost:           record.TotalCost,
		Currency:            record.Currency,
		PurchaseCurrency:    record.PurchaseCurrency,
		ExchangeRate:        record.ExchangeRate,
		IsInEscrow:          record.IsInEscrow,
		IsAccessRevoked:     record.IsAccessRevoked,
		BookedClassesIDs:    []string(record.BookedClassesIDs),
		InvoiceID:           record.InvoiceID,
		DateTimeCharged:     record.DateTimeCharged,
	}
	if record.AffiliateAmount.Valid {
		pay.AffiliateRevenueTransfer = &domain.AffiliateTransfer{
			Amount:     record.AffiliateAmount.Decimal,
			IsInEscrow: record.AffiliateInEscrow,
		}
	}
	if b := record.Balance.Data(); b != nil {
		pay.DestinationBalanceTransaction = &domain.BalanceSnapshot{
			Amount:       b.Amount,
			Fee:          b.Fee,
			Net:          b.Net,
			Currency:     b.Currency,
			ExchangeRate: b.ExchangeRate,
		}
	}
	return pay
}
