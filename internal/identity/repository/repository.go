package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/cohere/internal/identity/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type userRecord struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	Email              string `gorm:"type:varchar(255)"`
	FirstName          string `gorm:"type:varchar(128)"`
	LastName           string `gorm:"type:varchar(128)"`
	Country            string `gorm:"type:varchar(2)"`
	CustomerID         string `gorm:"type:varchar(128);index"`
	CustomerCurrency   string `gorm:"type:varchar(3)"`
	ConnectedAccountID string `gorm:"type:varchar(128)"`
	StandardAccountID  string `gorm:"type:varchar(128)"`
	PlatformTier       string `gorm:"type:varchar(32)"`
	IsBetaUser         bool   `gorm:"not null;default:false"`
	ReferredByUserID   string `gorm:"type:varchar(64)"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (userRecord) TableName() string { return "users" }

type customerRecord struct {
	UserID     string `gorm:"primaryKey;type:varchar(64)"`
	Currency   string `gorm:"primaryKey;type:varchar(3)"`
	CustomerID string `gorm:"type:varchar(128);not null;uniqueIndex"`
	CreatedAt  time.Time
}

func (customerRecord) TableName() string { return "gateway_customers" }

func Models() []any {
	return []any{&userRecord{}, &customerRecord{}}
}

type repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) GetUser(ctx context.Context, id string) (domain.User, error) {
	var record userRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return toDomain(record), nil
}

func (r *repository) FindByCustomerID(ctx context.Context, customerID string) (domain.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.User{}, domain.ErrUserNotFound
	}

	var record userRecord
	err := r.db.WithContext(ctx).First(&record, "customer_id = ?", customerID).Error
	if err == nil {
		return toDomain(record), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, err
	}

	var customer customerRecord
	err = r.db.WithContext(ctx).First(&customer, "customer_id = ?", customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return r.GetUser(ctx, customer.UserID)
}

func (r *repository) FindCustomer(ctx context.Context, userID, currency string) (domain.Customer, error) {
	var record customerRecord
	err := r.db.WithContext(ctx).
		First(&record, "user_id = ? AND currency = ?", strings.TrimSpace(userID), normalizeCurrency(currency)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	if err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{UserID: record.UserID, Currency: record.Currency, CustomerID: record.CustomerID}, nil
}

func (r *repository) SaveCustomer(ctx context.Context, customer domain.Customer) error {
	record := customerRecord{
		UserID:     strings.TrimSpace(customer.UserID),
		Currency:   normalizeCurrency(customer.Currency),
		CustomerID: strings.TrimSpace(customer.CustomerID),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"customer_id"}),
		}).
		Create(&record).Error
}

func (r *repository) SaveUser(ctx context.Context, user domain.User) error {
	record := userRecord{
		ID:                 user.ID,
		Email:              user.Email,
		FirstName:          user.FirstName,
		LastName:           user.LastName,
		Country:            strings.ToLower(user.Country),
		CustomerID:         user.CustomerID,
		CustomerCurrency:   normalizeCurrency(user.CustomerCurrency),
		ConnectedAccountID: user.ConnectedAccountID,
		StandardAccountID:  user.StandardAccountID,
		PlatformTier:       user.PlatformTier,
		IsBetaUser:         user.IsBetaUser,
		ReferredByUserID:   user.ReferredByUserID,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func toDomain(record userRecord) domain.User {
	return domain.User{
		ID:                 record.ID,
		Email:              record.Email,
		FirstName:          record.FirstName,
		LastName:           record.LastName,
		Country:            record.Country,
		CustomerID:         record.CustomerID,
		CustomerCurrency:   record.CustomerCurrency,
		ConnectedAccountID: record.ConnectedAccountID,
		StandardAccountID:  record.StandardAccountID,
		PlatformTier:       record.PlatformTier,
		IsBetaUser:         record.IsBetaUser,
		ReferredByUserID:   record.ReferredByUserID,
	}
}

func normalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}
