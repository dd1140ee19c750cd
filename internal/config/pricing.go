package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GatewayFeeConfig is the processor fee charged for a payee country.
type GatewayFeeConfig struct {
	Percent float64 `mapstructure:"percent"`
	Fixed   float64 `mapstructure:"fixed"`
	// InternationalPercent is added when the card country differs from the payee country.
	InternationalPercent float64 `mapstructure:"internationalPercent"`
}

// PricingConfig is the hot-reloadable fee schedule.
type PricingConfig struct {
	DefaultGateway GatewayFeeConfig            `mapstructure:"defaultGateway"`
	Countries      map[string]GatewayFeeConfig `mapstructure:"countries"`
	// PlatformTiers maps a pricing tier name to the platform fee percent.
	PlatformTiers map[string]float64 `mapstructure:"platformTiers"`
	DefaultTier   string             `mapstructure:"defaultTier"`
	// LegacyFeePercent applies to payees on the beta fee arrangement.
	LegacyFeePercent      float64  `mapstructure:"legacyFeePercent"`
	ZeroDecimalCurrencies []string `mapstructure:"zeroDecimalCurrencies"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		DefaultGateway: GatewayFeeConfig{Percent: 2.9, Fixed: 0.30, InternationalPercent: 1.5},
		Countries: map[string]GatewayFeeConfig{
			"us": {Percent: 2.9, Fixed: 0.30, InternationalPercent: 1.5},
			"gb": {Percent: 1.5, Fixed: 0.20, InternationalPercent: 1.75},
			"au": {Percent: 1.75, Fixed: 0.30, InternationalPercent: 1.15},
		},
		PlatformTiers: map[string]float64{
			"launch": 10,
			"impact": 7,
			"scale":  5,
		},
		DefaultTier:           "launch",
		LegacyFeePercent:      0,
		ZeroDecimalCurrencies: []string{"bif", "clp", "djf", "gnf", "jpy", "kmf", "krw", "mga", "pyg", "rwf", "ugx", "vnd", "vuv", "xaf", "xof", "xpf"},
	}
}

// PricingConfigHolder serves the latest valid fee schedule.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(normalizePricing(cfg))
	return holder
}

func NewPricingConfigHolder(cfg Config, log *zap.Logger) (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.PricingConfigPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("COHERE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("pricing.yml not found, using built-in fee schedule")
		return NewStaticPricingHolder(defaults), nil
	}

	parsed, err := unmarshalPricing(v, defaults)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPricingHolder(parsed)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPricing(v, defaults)
		if err != nil {
			log.Warn("pricing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func unmarshalPricing(v *viper.Viper, defaults PricingConfig) (PricingConfig, error) {
	cfg := defaults
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return PricingConfig{}, err
	}
	cfg = normalizePricing(cfg)
	if err := ValidatePricingConfig(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

func normalizePricing(cfg PricingConfig) PricingConfig {
	countries := make(map[string]GatewayFeeConfig, len(cfg.Countries))
	for code, fee := range cfg.Countries {
		countries[strings.ToLower(strings.TrimSpace(code))] = fee
	}
	cfg.Countries = countries

	tiers := make(map[string]float64, len(cfg.PlatformTiers))
	for name, pct := range cfg.PlatformTiers {
		tiers[strings.ToLower(strings.TrimSpace(name))] = pct
	}
	cfg.PlatformTiers = tiers
	cfg.DefaultTier = strings.ToLower(strings.TrimSpace(cfg.DefaultTier))

	currencies := make([]string, 0, len(cfg.ZeroDecimalCurrencies))
	for _, c := range cfg.ZeroDecimalCurrencies {
		currencies = append(currencies, strings.ToLower(strings.TrimSpace(c)))
	}
	cfg.ZeroDecimalCurrencies = currencies
	return cfg
}

func ValidatePricingConfig(cfg PricingConfig) error {
	if err := validateGatewayFee("defaultGateway", cfg.DefaultGateway); err != nil {
		return err
	}
	for code, fee := range cfg.Countries {
		if err := validateGatewayFee("countries."+code, fee); err != nil {
			return err
		}
	}
	if len(cfg.PlatformTiers) == 0 {
		return errors.New("pricing.platformTiers cannot be empty")
	}
	for name, pct := range cfg.PlatformTiers {
		if pct < 0 || pct >= 100 {
			return fmt.Errorf("pricing.platformTiers.%s out of range: %v", name, pct)
		}
	}
	if _, ok := cfg.PlatformTiers[cfg.DefaultTier]; !ok {
		return fmt.Errorf("pricing.defaultTier %q is not a configured tier", cfg.DefaultTier)
	}
	if cfg.LegacyFeePercent < 0 || cfg.LegacyFeePercent >= 100 {
		return fmt.Errorf("pricing.legacyFeePercent out of range: %v", cfg.LegacyFeePercent)
	}
	return nil
}

func validateGatewayFee(name string, fee GatewayFeeConfig) error {
	if fee.Percent < 0 || fee.Percent >= 100 {
		return fmt.Errorf("pricing.%s.percent out of range: %v", name, fee.Percent)
	}
	if fee.Fixed < 0 {
		return fmt.Errorf("pricing.%s.fixed cannot be negative", name)
	}
	if fee.InternationalPercent < 0 || fee.Percent+fee.InternationalPercent >= 100 {
		return fmt.Errorf("pricing.%s.internationalPercent out of range: %v", name, fee.InternationalPercent)
	}
	return nil
}
