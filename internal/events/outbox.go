package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type outboxRecord struct {
	ID          int64          `gorm:"primaryKey;autoIncrement:false"`
	Topic       string         `gorm:"type:varchar(128);not null;index"`
	MessageKey  string         `gorm:"type:varchar(255);not null;default:''"`
	Payload     datatypes.JSON `gorm:"type:json;not null"`
	DedupeKey   *string        `gorm:"type:varchar(255);uniqueIndex"`
	AvailableAt time.Time      `gorm:"not null;index:ix_outbox_pending"`
	Attempts    int            `gorm:"not null;default:0"`
	LastError   string         `gorm:"type:text"`
	PublishedAt *time.Time     `gorm:"index:ix_outbox_pending"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (outboxRecord) TableName() string { return "outbox_events" }

func Models() []any {
	return []any{&outboxRecord{}}
}

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
}

// Outbox appends events to outbox_events, either standalone or inside a caller's transaction.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Outbox{db: p.DB, genID: p.GenID, clock: clk}
}

func (o *Outbox) Publish(ctx context.Context, evts ...Event) error {
	return o.PublishTx(o.db.WithContext(ctx), evts...)
}

// PublishTx writes events using tx. Events whose dedupe key already exists are dropped.
func (o *Outbox) PublishTx(tx *gorm.DB, evts ...Event) error {
	if len(evts) == 0 {
		return nil
	}
	now := o.clock.Now().UTC()
	for _, evt := range evts {
		record, err := o.toRecord(evt, now)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return fmt.Errorf("outbox insert %s: %w", evt.Topic, err)
		}
	}
	return nil
}

func (o *Outbox) toRecord(evt Event, now time.Time) (outboxRecord, error) {
	topic := strings.TrimSpace(evt.Topic)
	if topic == "" {
		return outboxRecord{}, ErrInvalidEvent
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return outboxRecord{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	availableAt := evt.AvailableAt.UTC()
	if evt.AvailableAt.IsZero() {
		availableAt = now
	}
	var dedupe *string
	if key := strings.TrimSpace(evt.DedupeKey); key != "" {
		dedupe = &key
	}
	return outboxRecord{
		ID:          o.genID.Generate().Int64(),
		Topic:       topic,
		MessageKey:  evt.Key,
		Payload:     datatypes.JSON(payload),
		DedupeKey:   dedupe,
		AvailableAt: availableAt,
		CreatedAt:   now,
	}, nil
}

// claim leases up to limit due rows by pushing available_at past the lease window.
// Rows are processed after the claiming transaction commits.
func (o *Outbox) claim(ctx context.Context, limit int, lease time.Duration, maxAttempts int) ([]Message, error) {
	now := o.clock.Now().UTC()
	var claimed []outboxRecord
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("published_at IS NULL AND available_at <= ? AND attempts < ?", now, maxAttempts).
			Order("available_at ASC, id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(claimed))
		for _, r := range claimed {
			ids = append(ids, r.ID)
		}
		return tx.Model(&outboxRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"available_at": now.Add(lease),
				"attempts":     gorm.Expr("attempts + 1"),
			}).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(claimed))
	for _, r := range claimed {
		out = append(out, Message{
			ID:        r.ID,
			Topic:     r.Topic,
			Key:       r.MessageKey,
			Payload:   []byte(r.Payload),
			Attempts:  r.Attempts + 1,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (o *Outbox) markPublished(ctx context.Context, id int64) error {
	now := o.clock.Now().UTC()
	return o.db.WithContext(ctx).Model(&outboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"published_at": now, "last_error": ""}).Error
}

func (o *Outbox) markFailed(ctx context.Context, id int64, retryAt time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return o.db.WithContext(ctx).Model(&outboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"available_at": retryAt.UTC(), "last_error": msg}).Error
}

func (o *Outbox) markDropped(ctx context.Context, id int64, cause error) error {
	now := o.clock.Now().UTC()
	return o.db.WithContext(ctx).Model(&outboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"published_at": now, "last_error": cause.Error()}).Error
}

// Pending counts rows not yet published, including ones waiting on a delay.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := o.db.WithContext(ctx).Model(&outboxRecord{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}

// Lookup returns a row's delivery state by dedupe key.
func (o *Outbox) Lookup(ctx context.Context, dedupeKey string) (publishedAt *time.Time, attempts int, err error) {
	var record outboxRecord
	err = o.db.WithContext(ctx).First(&record, "dedupe_key = ?", dedupeKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return record.PublishedAt, record.Attempts, nil
}
