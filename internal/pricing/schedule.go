package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cohere/internal/config"
)

// GatewayFee is the processor fee schedule resolved for one payee.
type GatewayFee struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

type countryFee struct {
	GatewayFee
	International decimal.Decimal
}

// Schedule is an immutable snapshot of the fee configuration.
type Schedule struct {
	defaultFee    countryFee
	countries     map[string]countryFee
	tiers         map[string]decimal.Decimal
	defaultTier   string
	legacyPercent decimal.Decimal
	zeroDecimal   map[string]struct{}
}

func NewSchedule(cfg config.PricingConfig) Schedule {
	s := Schedule{
		defaultFee:    toCountryFee(cfg.DefaultGateway),
		countries:     make(map[string]countryFee, len(cfg.Countries)),
		tiers:         make(map[string]decimal.Decimal, len(cfg.PlatformTiers)),
		defaultTier:   strings.ToLower(strings.TrimSpace(cfg.DefaultTier)),
		legacyPercent: decimal.NewFromFloat(cfg.LegacyFeePercent),
		zeroDecimal:   make(map[string]struct{}, len(cfg.ZeroDecimalCurrencies)),
	}
	for code, fee := range cfg.Countries {
		s.countries[strings.ToLower(strings.TrimSpace(code))] = toCountryFee(fee)
	}
	for name, pct := range cfg.PlatformTiers {
		s.tiers[strings.ToLower(strings.TrimSpace(name))] = decimal.NewFromFloat(pct)
	}
	for _, currency := range cfg.ZeroDecimalCurrencies {
		s.zeroDecimal[strings.ToLower(strings.TrimSpace(currency))] = struct{}{}
	}
	return s
}

func toCountryFee(fee config.GatewayFeeConfig) countryFee {
	return countryFee{
		GatewayFee: GatewayFee{
			Percent: decimal.NewFromFloat(fee.Percent),
			Fixed:   decimal.NewFromFloat(fee.Fixed),
		},
		International: decimal.NewFromFloat(fee.InternationalPercent),
	}
}

// GatewayFeeFor resolves the processor fee for a payee country. International
// adds the per-country surcharge to the percentage.
func (s Schedule) GatewayFeeFor(country string, international bool) GatewayFee {
	fee, ok := s.countries[strings.ToLower(strings.TrimSpace(country))]
	if !ok {
		fee = s.defaultFee
	}
	out := fee.GatewayFee
	if international {
		out.Percent = out.Percent.Add(fee.International)
	}
	return out
}

// PlatformPercent returns the normalized platform commission for a payee.
// Legacy-arrangement payees pay the legacy percent regardless of tier.
func (s Schedule) PlatformPercent(tier string, legacy bool) decimal.Decimal {
	if legacy {
		return s.legacyPercent
	}
	if pct, ok := s.tiers[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return pct
	}
	return s.tiers[s.defaultTier]
}

func (s Schedule) IsZeroDecimal(currency string) bool {
	_, ok := s.zeroDecimal[strings.ToLower(strings.TrimSpace(currency))]
	return ok
}

// ToMinorUnits converts a major-unit amount to the gateway's integer representation.
func (s Schedule) ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if s.IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts a gateway integer amount back to major units.
func (s Schedule) FromMinorUnits(amount int64, currency string) decimal.Decimal {
	d := decimal.NewFromInt(amount)
	if s.IsZeroDecimal(currency) {
		return d
	}
	return d.Shift(-2)
}
