package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cohere/internal/webhook/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type eventRecord struct {
	ID              int64          `gorm:"primaryKey;autoIncrement:false"`
	Provider        string         `gorm:"type:varchar(32);not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `gorm:"type:varchar(128);not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `gorm:"type:varchar(128);not null"`
	Family          string         `gorm:"type:varchar(64);not null"`
	Account         string         `gorm:"type:varchar(128)"`
	Payload         datatypes.JSON `gorm:"not null"`
	Attempts        int            `gorm:"not null;default:0"`
	LastError       string         `gorm:"type:text"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (eventRecord) TableName() string { return "payment_events" }

func Models() []any {
	return []any{&eventRecord{}}
}

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, rec *domain.EventRecord) (bool, error) {
	row := eventRecord{
		ID:              rec.ID,
		Provider:        rec.Provider,
		ProviderEventID: rec.ProviderEventID,
		EventType:       rec.EventType,
		Family:          string(rec.Family),
		Account:         rec.Account,
		Payload:         datatypes.JSON(rec.Payload),
		ReceivedAt:      rec.ReceivedAt,
		ProcessedAt:     rec.ProcessedAt,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, provider, providerEventID string) (*domain.EventRecord, error) {
	var row eventRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.EventRecord{
		ID:              row.ID,
		Provider:        row.Provider,
		ProviderEventID: row.ProviderEventID,
		EventType:       row.EventType,
		Family:          domain.Family(row.Family),
		Account:         row.Account,
		Payload:         row.Payload,
		Attempts:        row.Attempts,
		LastError:       row.LastError,
		ReceivedAt:      row.ReceivedAt,
		ProcessedAt:     row.ProcessedAt,
	}, nil
}

func (r *repo) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at": processedAt,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
}

func (r *repo) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
}
