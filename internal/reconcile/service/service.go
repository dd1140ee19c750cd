package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cohere/internal/cache"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/events"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	"github.com/smallbiznis/cohere/internal/pricing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Gateway   gatewaydomain.Gateway
	Catalog   catalogdomain.Repository
	Users     identitydomain.Repository
	Purchases purchasedomain.Repository
	Pricing   pricing.Source
	Events    events.Publisher
	Clock     clock.Clock `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	gateway   gatewaydomain.Gateway
	catalog   catalogdomain.Repository
	users     identitydomain.Repository
	purchases purchasedomain.Repository
	pricing   pricing.Source
	events    events.Publisher
	clock     clock.Clock

	subscriptions   *cache.TTLCache[string, gatewaydomain.Subscription]
	subscriptionTTL time.Duration
	affiliateShare  decimal.Decimal
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Config.Checkout.SubscriptionCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		log:             p.Log.Named("reconcile.service"),
		gateway:         p.Gateway,
		catalog:         p.Catalog,
		users:           p.Users,
		purchases:       p.Purchases,
		pricing:         p.Pricing,
		events:          p.Events,
		clock:           clk,
		subscriptions:   cache.NewTTLCache[string, gatewaydomain.Subscription](clk),
		subscriptionTTL: ttl,
		affiliateShare:  decimal.NewFromFloat(p.Config.Checkout.AffiliateSharePercent),
	}
}

// settlement is what one gateway event says about one ledger payment.
type settlement struct {
	contribution   catalogdomain.Contribution
	clientID       string
	option         catalogdomain.PaymentOption
	transactionID  string
	invoiceID      string
	subscriptionID string
	status         purchasedomain.PaymentStatus
	couponID       string
	classIDs       []string
	account        string

	couponPercent decimal.Decimal

	// charge and balance are set for settled payments.
	charge  *gatewaydomain.Charge
	balance *gatewaydomain.BalanceTransaction
}

func (st settlement) logger(log *zap.Logger) *zap.Logger {
	return log.With(
		zap.String("contribution_id", st.contribution.ID),
		zap.String("client_id", st.clientID),
		zap.String("transaction_id", st.transactionID),
	)
}

func scope(evt gatewaydomain.Event, fromConnectedAccount bool) string {
	if fromConnectedAccount {
		return evt.Account
	}
	return ""
}

func metaValue(key string, metas ...map[string]string) string {
	for _, m := range metas {
		if v := strings.TrimSpace(m[key]); v != "" {
			return v
		}
	}
	return ""
}

func splitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveContribution reads the contribution id from metadata, falling back to the
// billing plan and product of a subscription invoice.
func (s *Service) resolveContribution(ctx context.Context, planID, productID string, metas ...map[string]string) (catalogdomain.Contribution, error) {
	if id := metaValue(gatewaydomain.MetaContributionID, metas...); id != "" {
		c, err := s.catalog.GetContribution(ctx, id)
		if errors.Is(err, catalogdomain.ErrContributionNotFound) {
			return c, fmt.Errorf("%w: %s", domain.ErrContributionUnresolved, id)
		}
		return c, err
	}
	if planID != "" {
		c, err := s.catalog.FindByBillingPlan(ctx, planID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, catalogdomain.ErrContributionNotFound) {
			return c, err
		}
	}
	if productID != "" {
		c, err := s.catalog.FindByProductID(ctx, productID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, catalogdomain.ErrContributionNotFound) {
			return c, err
		}
	}
	return catalogdomain.Contribution{}, domain.ErrContributionUnresolved
}

// resolveOption prefers an explicit tag, then the billing plan id.
func resolveOption(c catalogdomain.Contribution, planID string, metas ...map[string]string) (catalogdomain.PaymentOption, error) {
	if raw := metaValue(gatewaydomain.MetaPaymentOption, metas...); raw != "" {
		if option, ok := catalogdomain.ParsePaymentOption(raw); ok {
			return option, nil
		}
	}
	if option, ok := c.Payment.OptionForPlan(planID); ok {
		return option, nil
	}
	return "", fmt.Errorf("%w: contribution %s", domain.ErrOptionUnresolved, c.ID)
}

// resolveClient locates the client by gateway customer, then by the id written on the
// payment object. Advance payments carry no platform customer.
func (s *Service) resolveClient(ctx context.Context, customerID string, metas ...map[string]string) (string, error) {
	if customerID != "" {
		user, err := s.users.FindByCustomerID(ctx, customerID)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, identitydomain.ErrUserNotFound) {
			return "", err
		}
	}
	if id := metaValue(gatewaydomain.MetaClientID, metas...); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: customer %q", domain.ErrClientUnresolved, customerID)
}

// snapshot fetches the payee-side settlement of a charge once per reconciliation.
func (s *Service) snapshot(ctx context.Context, chargeID, account string) (*gatewaydomain.Charge, *gatewaydomain.BalanceTransaction, error) {
	if chargeID == "" {
		return nil, nil, domain.ErrSettlementUnavailable
	}
	charge, err := s.gateway.GetCharge(ctx, chargeID, account)
	if err != nil {
		return nil, nil, fmt.Errorf("get charge %s: %w", chargeID, err)
	}
	if charge.BalanceTransactionID == "" {
		return &charge, nil, fmt.Errorf("%w: charge %s has no balance transaction", domain.ErrSettlementUnavailable, chargeID)
	}
	bt, err := s.gateway.GetBalanceTransaction(ctx, charge.BalanceTransactionID, account)
	if err != nil {
		return &charge, nil, fmt.Errorf("get balance transaction %s: %w", charge.BalanceTransactionID, err)
	}
	return &charge, &bt, nil
}

// subscription returns a recently fetched subscription without another gateway round trip.
func (s *Service) subscription(ctx context.Context, id, account string) (gatewaydomain.Subscription, error) {
	key := account + "/" + id
	if sub, ok := s.subscriptions.Get(key); ok {
		return sub, nil
	}
	sub, err := s.gateway.GetSubscription(ctx, id, account)
	if err != nil {
		return sub, err
	}
	s.subscriptions.Set(key, sub, s.subscriptionTTL)
	return sub, nil
}
