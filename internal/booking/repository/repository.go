package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cohere/internal/booking/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type slotRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	ContributionID string    `gorm:"type:varchar(64);not null;index"`
	StartTime      time.Time `gorm:"not null"`
	EndTime        time.Time `gorm:"not null"`
	Capacity       int       `gorm:"not null;default:1"`
}

func (slotRecord) TableName() string { return "availability_times" }

type bookingRecord struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	ContributionID string `gorm:"type:varchar(64);not null;index:ix_bookings_contribution_client"`
	SlotID         string `gorm:"type:varchar(64);not null;index"`
	ClientID       string `gorm:"type:varchar(64);not null;index:ix_bookings_contribution_client"`
	Status         string `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

func (bookingRecord) TableName() string { return "bookings" }

type noteRecord struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	ContributionID string `gorm:"type:varchar(64);not null;uniqueIndex:ux_session_notes_client_slot"`
	ClientID       string `gorm:"type:varchar(64);not null;uniqueIndex:ux_session_notes_client_slot"`
	SlotID         string `gorm:"type:varchar(64);not null;uniqueIndex:ux_session_notes_client_slot"`
	CreatedAt      time.Time
}

func (noteRecord) TableName() string { return "session_notes" }

type packageRecord struct {
	ID                           string                                   `gorm:"primaryKey;type:varchar(64)"`
	ContributionID               string                                   `gorm:"type:varchar(64);not null;uniqueIndex:ux_package_purchases_txn"`
	TransactionID                string                                   `gorm:"type:varchar(128);not null;uniqueIndex:ux_package_purchases_txn"`
	UserID                       string                                   `gorm:"type:varchar(64);not null;index"`
	SessionNumbers               int                                      `gorm:"not null"`
	IsConfirmed                  bool                                     `gorm:"not null;default:false"`
	IsCompleted                  bool                                     `gorm:"not null;default:false"`
	IsMonthlySessionSubscription bool                                     `gorm:"not null;default:false"`
	SubscriptionDuration         int                                      `gorm:"not null;default:0"`
	MonthsPaid                   int                                      `gorm:"not null;default:0"`
	BookedTimes                  datatypes.JSONType[map[string][]string] `gorm:"type:json"`
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

func (packageRecord) TableName() string { return "package_purchases" }

func Models() []any {
	return []any{&slotRecord{}, &bookingRecord{}, &noteRecord{}, &packageRecord{}}
}

type repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) GetSlot(ctx context.Context, id string) (domain.Slot, error) {
	var record slotRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	if err != nil {
		return domain.Slot{}, err
	}
	return slotToDomain(record), nil
}

// ListOpenSlots returns future slots for the contribution that still have capacity.
func (r *repository) ListOpenSlots(ctx context.Context, contributionID string, after time.Time) ([]domain.Slot, error) {
	active := r.db.Model(&bookingRecord{}).
		Select("COUNT(*)").
		Where("bookings.slot_id = availability_times.id AND bookings.status <> ?", string(domain.StatusReleased))

	var records []slotRecord
	err := r.db.WithContext(ctx).
		Where("contribution_id = ? AND start_time > ?", contributionID, after).
		Where("capacity > (?)", active).
		Order("start_time ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Slot, 0, len(records))
	for _, record := range records {
		out = append(out, slotToDomain(record))
	}
	return out, nil
}

func (r *repository) SaveSlot(ctx context.Context, slot domain.Slot) error {
	record := slotRecord{
		ID:             slot.ID,
		ContributionID: slot.ContributionID,
		StartTime:      slot.StartTime.UTC(),
		EndTime:        slot.EndTime.UTC(),
		Capacity:       slot.Capacity,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (r *repository) CountActive(ctx context.Context, slotID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&bookingRecord{}).
		Where("slot_id = ? AND status <> ?", slotID, string(domain.StatusReleased)).
		Count(&count).Error
	return count, err
}

func (r *repository) CreateBooking(ctx context.Context, booking domain.Booking) error {
	record := bookingRecord{
		ID:             booking.ID,
		ContributionID: booking.ContributionID,
		SlotID:         booking.SlotID,
		ClientID:       booking.ClientID,
		Status:         string(booking.Status),
		CreatedAt:      booking.CreatedAt,
		ConfirmedAt:    booking.ConfirmedAt,
	}
	return r.db.WithContext(ctx).Create(&record).Error
}

func (r *repository) UpdateStatus(ctx context.Context, contributionID, clientID string, ids []string, from []domain.Status, to domain.Status, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, string(status))
	}
	updates := map[string]any{"status": string(to)}
	if to == domain.StatusConfirmed {
		updates["confirmed_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&bookingRecord{}).
		Where("contribution_id = ? AND client_id = ? AND id IN ? AND status IN ?", contributionID, clientID, ids, fromValues).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repository) ListBookings(ctx context.Context, contributionID, clientID string) ([]domain.Booking, error) {
	var records []bookingRecord
	err := r.db.WithContext(ctx).
		Where("contribution_id = ? AND client_id = ?", contributionID, clientID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Booking, 0, len(records))
	for _, record := range records {
		out = append(out, domain.Booking{
			ID:             record.ID,
			ContributionID: record.ContributionID,
			SlotID:         record.SlotID,
			ClientID:       record.ClientID,
			Status:         domain.Status(record.Status),
			CreatedAt:      record.CreatedAt,
			ConfirmedAt:    record.ConfirmedAt,
		})
	}
	return out, nil
}

func (r *repository) ListSlots(ctx context.Context, contributionID string) ([]domain.Slot, error) {
	var records []slotRecord
	err := r.db.WithContext(ctx).
		Where("contribution_id = ?", contributionID).
		Order("start_time ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Slot, 0, len(records))
	for _, record := range records {
		out = append(out, slotToDomain(record))
	}
	return out, nil
}

func (r *repository) CreateNotes(ctx context.Context, notes []domain.Note) (int64, error) {
	if len(notes) == 0 {
		return 0, nil
	}
	records := make([]noteRecord, 0, len(notes))
	for _, n := range notes {
		records = append(records, noteRecord{
			ID:             n.ID,
			ContributionID: n.ContributionID,
			ClientID:       n.ClientID,
			SlotID:         n.SlotID,
			CreatedAt:      n.CreatedAt,
		})
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&records)
	return res.RowsAffected, res.Error
}

func (r *repository) ListNotes(ctx context.Context, contributionID, clientID string) ([]domain.Note, error) {
	var records []noteRecord
	err := r.db.WithContext(ctx).
		Where("contribution_id = ? AND client_id = ?", contributionID, clientID).
		Order("created_at ASC, slot_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Note, 0, len(records))
	for _, record := range records {
		out = append(out, domain.Note{
			ID:             record.ID,
			ContributionID: record.ContributionID,
			ClientID:       record.ClientID,
			SlotID:         record.SlotID,
			CreatedAt:      record.CreatedAt,
		})
	}
	return out, nil
}

func (r *repository) SavePackage(ctx context.Context, pkg domain.PackagePurchase) error {
	booked := pkg.AvailabilityTimeIDToBookedTimeIDs
	if booked == nil {
		booked = map[string][]string{}
	}
	record := packageRecord{
		ID:                           pkg.ID,
		ContributionID:               pkg.ContributionID,
		TransactionID:                pkg.TransactionID,
		UserID:                       pkg.UserID,
		SessionNumbers:               pkg.SessionNumbers,
		IsConfirmed:                  pkg.IsConfirmed,
		IsCompleted:                  pkg.IsCompleted,
		IsMonthlySessionSubscription: pkg.IsMonthlySessionSubscription,
		SubscriptionDuration:         pkg.SubscriptionDuration,
		MonthsPaid:                   pkg.MonthsPaid,
		BookedTimes:                  datatypes.NewJSONType(booked),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (r *repository) FindPackage(ctx context.Context, contributionID, transactionID string) (domain.PackagePurchase, error) {
	var record packageRecord
	err := r.db.WithContext(ctx).
		First(&record, "contribution_id = ? AND transaction_id = ?", contributionID, transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PackagePurchase{}, domain.ErrPackageNotFound
	}
	if err != nil {
		return domain.PackagePurchase{}, err
	}
	return packageToDomain(record), nil
}

func (r *repository) ListPackages(ctx context.Context, contributionID, userID string) ([]domain.PackagePurchase, error) {
	var records []packageRecord
	err := r.db.WithContext(ctx).
		Where("contribution_id = ? AND user_id = ?", contributionID, userID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.PackagePurchase, 0, len(records))
	for _, record := range records {
		out = append(out, packageToDomain(record))
	}
	return out, nil
}

func slotToDomain(record slotRecord) domain.Slot {
	return domain.Slot{
		ID:             record.ID,
		ContributionID: record.ContributionID,
		StartTime:      record.StartTime,
		EndTime:        record.EndTime,
		Capacity:       record.Capacity,
	}
}

func packageToDomain(record packageRecord) domain.PackagePurchase {
	return domain.PackagePurchase{
		ID:                                record.ID,
		ContributionID:                    record.ContributionID,
		TransactionID:                     record.TransactionID,
		UserID:                            record.UserID,
		SessionNumbers:                    record.SessionNumbers,
		IsConfirmed:                       record.IsConfirmed,
		IsCompleted:                       record.IsCompleted,
		IsMonthlySessionSubscription:      record.IsMonthlySessionSubscription,
		SubscriptionDuration:              record.SubscriptionDuration,
		MonthsPaid:                        record.MonthsPaid,
		AvailabilityTimeIDToBookedTimeIDs: record.BookedTimes.Data(),
	}
}
