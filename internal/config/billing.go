package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the operator-tunable billing policy. It is hot-reloaded
// from billing.yml so plan baselines and guard caps can change without a
// redeploy.
type BillingConfig struct {
	AutoFixDailyLimit int                         `mapstructure:"autoFixDailyLimit"`
	FreeDailyBC       int64                       `mapstructure:"freeDailyBC"`
	DefaultUsageBonus float64                     `mapstructure:"defaultUsageBonus"`
	TrialDaysDefault  int                         `mapstructure:"trialDaysDefault"`
	RolloverCycleDays int                         `mapstructure:"rolloverCycleDays"`
	PaygUnitPriceUSD  float64                     `mapstructure:"paygUnitPriceUSD"`
	DefaultGuardCaps  map[string]float64          `mapstructure:"defaultGuardCaps"`
	PlanBaselines     map[string]float64          `mapstructure:"planBaselines"`
	AllowanceDefaults map[string]AllowanceDefault `mapstructure:"allowanceDefaults"`
}

type AllowanceDefault struct {
	Window         string `mapstructure:"window"`
	RolloverPolicy string `mapstructure:"rolloverPolicy"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		AutoFixDailyLimit: 3,
		FreeDailyBC:       1,
		DefaultUsageBonus: 0.2,
		TrialDaysDefault:  1,
		RolloverCycleDays: 30,
		PaygUnitPriceUSD:  0.05,
		DefaultGuardCaps: map[string]float64{
			"free":  50,
			"pro":   250,
			"scale": 1000,
		},
		PlanBaselines: map[string]float64{},
		AllowanceDefaults: map[string]AllowanceDefault{
			"bc":    {Window: "monthly", RolloverPolicy: "1_cycle"},
			"rc":    {Window: "monthly", RolloverPolicy: "1_cycle"},
			"usage": {Window: "monthly", RolloverPolicy: "none"},
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billingcore/config")
	v.AddConfigPath("/etc/billingcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.autoFixDailyLimit", defaults.AutoFixDailyLimit)
		v.SetDefault("billing.freeDailyBC", defaults.FreeDailyBC)
		v.SetDefault("billing.defaultUsageBonus", defaults.DefaultUsageBonus)
		v.SetDefault("billing.trialDaysDefault", defaults.TrialDaysDefault)
		v.SetDefault("billing.rolloverCycleDays", defaults.RolloverCycleDays)
		v.SetDefault("billing.defaultGuardCaps", defaults.DefaultGuardCaps)
		v.SetDefault("billing.planBaselines", defaults.PlanBaselines)
		v.SetDefault("billing.allowanceDefaults", defaults.AllowanceDefaults)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// PlanBaseline returns the included baseline for a metric, zero when the
// metric carries no baseline.
func (c BillingConfig) PlanBaseline(metric string) float64 {
	if c.PlanBaselines == nil {
		return 0
	}
	return c.PlanBaselines[strings.ToLower(strings.TrimSpace(metric))]
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.AutoFixDailyLimit < 0 {
		return errors.New("billing.autoFixDailyLimit cannot be negative")
	}
	if cfg.DefaultUsageBonus < 0 || cfg.DefaultUsageBonus > 1 {
		return errors.New("billing.defaultUsageBonus must be within [0,1]")
	}
	if cfg.RolloverCycleDays <= 0 {
		return errors.New("billing.rolloverCycleDays must be positive")
	}
	if cfg.PaygUnitPriceUSD < 0 {
		return errors.New("billing.paygUnitPriceUSD cannot be negative")
	}
	return nil
}
