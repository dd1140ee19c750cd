package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/booking/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		log:   p.Log.Named("booking.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

// BookTime creates tentative bookings for the client in each slot and returns the booked class ids.
func (s *Service) BookTime(ctx context.Context, contributionID, clientID string, slotIDs []string) ([]string, error) {
	now := s.clock.Now().UTC()
	booked := make([]string, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		slotID = strings.TrimSpace(slotID)
		if slotID == "" {
			continue
		}
		slot, err := s.repo.GetSlot(ctx, slotID)
		if err != nil {
			return booked, err
		}
		if slot.ContributionID != contributionID {
			return booked, domain.ErrSlotNotFound
		}
		active, err := s.repo.CountActive(ctx, slotID)
		if err != nil {
			return booked, err
		}
		if int(active) >= slot.Capacity {
			return booked, domain.ErrSlotFull
		}

		booking := domain.Booking{
			ID:             s.genID.Generate().String(),
			ContributionID: contributionID,
			SlotID:         slotID,
			ClientID:       clientID,
			Status:         domain.StatusTentative,
			CreatedAt:      now,
		}
		if err := s.repo.CreateBooking(ctx, booking); err != nil {
			return booked, fmt.Errorf("create booking: %w", err)
		}
		booked = append(booked, booking.ID)
	}
	return booked, nil
}

func (s *Service) Confirm(ctx context.Context, contributionID, clientID string, bookedClassIDs []string) error {
	n, err := s.repo.UpdateStatus(ctx, contributionID, clientID, bookedClassIDs,
		[]domain.Status{domain.StatusTentative}, domain.StatusConfirmed, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	s.log.Debug("bookings confirmed",
		zap.String("contribution_id", contributionID),
		zap.String("client_id", clientID),
		zap.Int64("count", n),
	)
	return nil
}

// Release frees tentative bookings. Confirmed sessions are left untouched.
func (s *Service) Release(ctx context.Context, contributionID, clientID string, bookedClassIDs []string) error {
	n, err := s.repo.UpdateStatus(ctx, contributionID, clientID, bookedClassIDs,
		[]domain.Status{domain.StatusTentative}, domain.StatusReleased, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	s.log.Debug("bookings released",
		zap.String("contribution_id", contributionID),
		zap.String("client_id", clientID),
		zap.Int64("count", n),
	)
	return nil
}

func (s *Service) AutoBookSingleSession(ctx context.Context, contributionID, clientID string) ([]string, error) {
	slots, err := s.repo.ListOpenSlots(ctx, contributionID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(slots) != 1 {
		return nil, nil
	}

	existing, err := s.repo.ListBookings(ctx, contributionID, clientID)
	if err != nil {
		return nil, err
	}
	for _, b := range existing {
		if b.SlotID == slots[0].ID && b.Status != domain.StatusReleased {
			return nil, nil
		}
	}

	ids, err := s.BookTime(ctx, contributionID, clientID, []string{slots[0].ID})
	if err != nil {
		return nil, err
	}
	if err := s.Confirm(ctx, contributionID, clientID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateCourseNotes is safe to repeat; sessions that already have a note are skipped.
func (s *Service) CreateCourseNotes(ctx context.Context, contributionID, clientID string) (int, error) {
	slots, err := s.repo.ListSlots(ctx, contributionID)
	if err != nil {
		return 0, err
	}
	existing, err := s.repo.ListNotes(ctx, contributionID, clientID)
	if err != nil {
		return 0, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		have[n.SlotID] = struct{}{}
	}

	now := s.clock.Now().UTC()
	var notes []domain.Note
	for _, slot := range slots {
		if _, ok := have[slot.ID]; ok {
			continue
		}
		notes = append(notes, domain.Note{
			ID:             s.genID.Generate().String(),
			ContributionID: contributionID,
			ClientID:       clientID,
			SlotID:         slot.ID,
			CreatedAt:      now,
		})
	}
	n, err := s.repo.CreateNotes(ctx, notes)
	if err != nil {
		return 0, fmt.Errorf("create notes: %w", err)
	}
	if n > 0 {
		s.log.Info("course notes created",
			zap.String("contribution_id", contributionID),
			zap.String("client_id", clientID),
			zap.Int64("count", n),
		)
	}
	return int(n), nil
}

func (s *Service) CreatePackage(ctx context.Context, pkg domain.PackagePurchase) (domain.PackagePurchase, error) {
	existing, err := s.repo.FindPackage(ctx, pkg.ContributionID, pkg.TransactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrPackageNotFound) {
		return domain.PackagePurchase{}, err
	}
	if pkg.ID == "" {
		pkg.ID = s.genID.Generate().String()
	}
	if pkg.AvailabilityTimeIDToBookedTimeIDs == nil {
		pkg.AvailabilityTimeIDToBookedTimeIDs = map[string][]string{}
	}
	if err := s.repo.SavePackage(ctx, pkg); err != nil {
		return domain.PackagePurchase{}, err
	}
	return pkg, nil
}

func (s *Service) ConfirmPackage(ctx context.Context, contributionID, transactionID string) error {
	pkg, err := s.repo.FindPackage(ctx, contributionID, transactionID)
	if err != nil {
		return err
	}
	if pkg.IsConfirmed {
		return nil
	}
	pkg.IsConfirmed = true
	return s.repo.SavePackage(ctx, pkg)
}

func (s *Service) AddMonthlyAllotment(ctx context.Context, contributionID, transactionID string, sessions int) error {
	pkg, err := s.repo.FindPackage(ctx, contributionID, transactionID)
	if err != nil {
		return err
	}
	if !pkg.IsMonthlySessionSubscription || pkg.IsCompleted {
		return nil
	}
	pkg.IsConfirmed = true
	pkg.MonthsPaid++
	pkg.SessionNumbers += sessions
	if pkg.SubscriptionDuration > 0 && pkg.MonthsPaid >= pkg.SubscriptionDuration {
		pkg.IsCompleted = true
	}
	return s.repo.SavePackage(ctx, pkg)
}

func (s *Service) CompleteSubscriptionPackages(ctx context.Context, contributionID, userID string) error {
	pkgs, err := s.repo.ListPackages(ctx, contributionID, userID)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		if !pkg.IsMonthlySessionSubscription || pkg.IsCompleted {
			continue
		}
		pkg.IsCompleted = true
		if err := s.repo.SavePackage(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}
