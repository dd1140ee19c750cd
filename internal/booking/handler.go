package booking

import (
	"context"
	"errors"

	"github.com/smallbiznis/cohere/internal/booking/domain"
	"github.com/smallbiznis/cohere/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HandlerParams struct {
	fx.In

	Log        *zap.Logger
	Dispatcher *events.Dispatcher
	Service    domain.Service
}

// Handlers applies booking side effects queued by checkout and reconciliation.
type Handlers struct {
	log *zap.Logger
	svc domain.Service
}

func NewHandlers(log *zap.Logger, svc domain.Service) *Handlers {
	return &Handlers{log: log.Named("booking.handler"), svc: svc}
}

// Register binds every booking topic on the dispatcher.
func Register(p HandlerParams) error {
	h := NewHandlers(p.Log, p.Service)
	for topic, fn := range map[string]events.Handler{
		events.TopicBookingConfirm:   h.confirm,
		events.TopicBookingRelease:   h.release,
		events.TopicBookingAutoBook:  h.autoBook,
		events.TopicPackageConfirm:   h.confirmPackage,
		events.TopicPackageAllotment: h.allotment,
		events.TopicPackageComplete:  h.complete,
		events.TopicCourseNotes:      h.courseNotes,
	} {
		if err := p.Dispatcher.Register(topic, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodeBooking(msg events.Message) (events.BookingPayload, error) {
	var payload events.BookingPayload
	if err := msg.Decode(&payload); err != nil {
		return payload, events.Permanent(err)
	}
	if payload.ContributionID == "" || payload.ClientID == "" {
		return payload, events.Permanent(events.ErrInvalidEvent)
	}
	return payload, nil
}

func decodePackage(msg events.Message) (events.PackagePayload, error) {
	var payload events.PackagePayload
	if err := msg.Decode(&payload); err != nil {
		return payload, events.Permanent(err)
	}
	if payload.ContributionID == "" || payload.ClientID == "" {
		return payload, events.Permanent(events.ErrInvalidEvent)
	}
	return payload, nil
}

func (h *Handlers) confirm(ctx context.Context, msg events.Message) error {
	p, err := decodeBooking(msg)
	if err != nil {
		return err
	}
	if len(p.ClassIDs) == 0 {
		return nil
	}
	return h.svc.Confirm(ctx, p.ContributionID, p.ClientID, p.ClassIDs)
}

func (h *Handlers) release(ctx context.Context, msg events.Message) error {
	p, err := decodeBooking(msg)
	if err != nil {
		return err
	}
	if len(p.ClassIDs) == 0 {
		return nil
	}
	return h.svc.Release(ctx, p.ContributionID, p.ClientID, p.ClassIDs)
}

func (h *Handlers) autoBook(ctx context.Context, msg events.Message) error {
	p, err := decodeBooking(msg)
	if err != nil {
		return err
	}
	ids, err := h.svc.AutoBookSingleSession(ctx, p.ContributionID, p.ClientID)
	if err != nil {
		// Auto-booking is a convenience; a failure never holds the queue.
		h.log.Warn("auto book failed",
			zap.String("contribution_id", p.ContributionID),
			zap.String("client_id", p.ClientID),
			zap.Error(err),
		)
		return nil
	}
	if len(ids) > 0 {
		h.log.Info("auto booked single session",
			zap.String("contribution_id", p.ContributionID),
			zap.String("client_id", p.ClientID),
			zap.Strings("class_ids", ids),
		)
	}
	return nil
}

func (h *Handlers) confirmPackage(ctx context.Context, msg events.Message) error {
	p, err := decodePackage(msg)
	if err != nil {
		return err
	}
	pkg, err := h.svc.CreatePackage(ctx, domain.PackagePurchase{
		ContributionID: p.ContributionID,
		TransactionID:  p.TransactionID,
		UserID:         p.ClientID,
		SessionNumbers: p.Sessions,
	})
	if err != nil {
		return err
	}
	return h.svc.ConfirmPackage(ctx, pkg.ContributionID, pkg.TransactionID)
}

// allotment credits one paid month. The first installment opens the subscription package;
// later ones are keyed by the subscription id carried in TransactionID.
func (h *Handlers) allotment(ctx context.Context, msg events.Message) error {
	p, err := decodePackage(msg)
	if err != nil {
		return err
	}
	pkg, err := h.svc.CreatePackage(ctx, domain.PackagePurchase{
		ContributionID:               p.ContributionID,
		TransactionID:                p.TransactionID,
		UserID:                       p.ClientID,
		IsMonthlySessionSubscription: true,
		SubscriptionDuration:         p.Duration,
	})
	if err != nil {
		return err
	}
	err = h.svc.AddMonthlyAllotment(ctx, pkg.ContributionID, pkg.TransactionID, p.Sessions)
	if errors.Is(err, domain.ErrPackageNotFound) {
		return events.Permanent(err)
	}
	return err
}

func (h *Handlers) complete(ctx context.Context, msg events.Message) error {
	p, err := decodePackage(msg)
	if err != nil {
		return err
	}
	return h.svc.CompleteSubscriptionPackages(ctx, p.ContributionID, p.ClientID)
}

func (h *Handlers) courseNotes(ctx context.Context, msg events.Message) error {
	var p events.CourseNotesPayload
	if err := msg.Decode(&p); err != nil {
		return events.Permanent(err)
	}
	if p.ContributionID == "" || p.ClientID == "" {
		return events.Permanent(events.ErrInvalidEvent)
	}
	_, err := h.svc.CreateCourseNotes(ctx, p.ContributionID, p.ClientID)
	return err
}
