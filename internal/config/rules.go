package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	RoundingFloor   = "floor"
	RoundingCeiling = "ceiling"

	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

// Rules is the hot-reloadable business configuration read from rules.yml.
type Rules struct {
	Royalty   RoyaltyRules              `mapstructure:"royalty"`
	Discounts []DiscountRule            `mapstructure:"discounts"`
	Providers map[string]ProviderSecret `mapstructure:"providers"`
	Owners    map[string]string         `mapstructure:"owners"`
	Reconcile []ReconcilePair           `mapstructure:"reconcile"`
}

type RoyaltyRules struct {
	DefaultRate string            `mapstructure:"defaultRate"`
	Rounding    string            `mapstructure:"rounding"`
	TierRates   map[string]string `mapstructure:"tierRates"`
	AuthorRates map[string]string `mapstructure:"authorRates"`
}

type DiscountRule struct {
	Code        string `mapstructure:"code"`
	Type        string `mapstructure:"type"`
	Value       string `mapstructure:"value"`
	MinSubtotal int64  `mapstructure:"minSubtotal"`
	Currency    string `mapstructure:"currency"`
}

type ProviderSecret struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signatureHeader"`
}

// ReconcilePair schedules reconciliation of one entity type held by one subscriber.
type ReconcilePair struct {
	Subscriber string        `mapstructure:"subscriber"`
	EntityType string        `mapstructure:"entityType"`
	Interval   time.Duration `mapstructure:"interval"`
	SampleSize int           `mapstructure:"sampleSize"`
	SourceURL  string        `mapstructure:"sourceURL"`
}

func DefaultRules() Rules {
	return Rules{
		Royalty: RoyaltyRules{
			DefaultRate: "0.10",
			Rounding:    RoundingFloor,
			TierRates: map[string]string{
				"standard": "0.10",
				"premium":  "0.15",
			},
			AuthorRates: map[string]string{},
		},
		Discounts: []DiscountRule{},
		Providers: map[string]ProviderSecret{},
		Owners: map[string]string{
			"book":   "catalog",
			"author": "catalog",
			"user":   "identity",
		},
		Reconcile: []ReconcilePair{
			{Subscriber: "billing", EntityType: "book", Interval: 15 * time.Minute, SampleSize: 200},
			{Subscriber: "billing", EntityType: "author", Interval: 15 * time.Minute, SampleSize: 200},
			{Subscriber: "billing", EntityType: "user", Interval: 30 * time.Minute, SampleSize: 500},
		},
	}
}

type RulesHolder struct {
	current atomic.Value // holds Rules
}

// NewStaticRules returns a holder that never reloads.
func NewStaticRules(rules Rules) *RulesHolder {
	holder := &RulesHolder{}
	holder.current.Store(rules)
	return holder
}

func NewRulesHolder(log *zap.Logger) (*RulesHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.rules")

	v := viper.New()

	v.SetConfigName("rules")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/bookline/config")
	v.AddConfigPath("/etc/bookline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRules()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := defaults
	if fileFound {
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults(defaults)
	if err := ValidateRules(cfg); err != nil {
		return nil, err
	}

	holder := &RulesHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		log.Info("config.rules.defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := defaults
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("config.rules.reload_failed", zap.Error(err))
			return
		}
		updated = updated.withDefaults(defaults)
		if err := ValidateRules(updated); err != nil {
			log.Warn("config.rules.invalid_ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config.rules.reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *RulesHolder) Get() Rules {
	if h == nil {
		return DefaultRules()
	}
	return h.current.Load().(Rules)
}

// Set swaps the current rules after validation.
func (h *RulesHolder) Set(rules Rules) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}
	h.current.Store(rules)
	return nil
}

func (r Rules) withDefaults(defaults Rules) Rules {
	if strings.TrimSpace(r.Royalty.DefaultRate) == "" {
		r.Royalty.DefaultRate = defaults.Royalty.DefaultRate
	}
	if strings.TrimSpace(r.Royalty.Rounding) == "" {
		r.Royalty.Rounding = defaults.Royalty.Rounding
	}
	if r.Royalty.TierRates == nil {
		r.Royalty.TierRates = map[string]string{}
	}
	if r.Royalty.AuthorRates == nil {
		r.Royalty.AuthorRates = map[string]string{}
	}
	if r.Providers == nil {
		r.Providers = map[string]ProviderSecret{}
	}
	if len(r.Owners) == 0 {
		r.Owners = defaults.Owners
	}
	return r
}

func ValidateRules(cfg Rules) error {
	if err := validateRate("royalty.defaultRate", cfg.Royalty.DefaultRate); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Royalty.Rounding)) {
	case RoundingFloor, RoundingCeiling:
	default:
		return fmt.Errorf("royalty.rounding must be %q or %q", RoundingFloor, RoundingCeiling)
	}
	for tier, rate := range cfg.Royalty.TierRates {
		if err := validateRate("royalty.tierRates."+tier, rate); err != nil {
			return err
		}
	}
	for author, rate := range cfg.Royalty.AuthorRates {
		if err := validateRate("royalty.authorRates."+author, rate); err != nil {
			return err
		}
	}

	seen := map[string]struct{}{}
	for _, rule := range cfg.Discounts {
		code := strings.ToUpper(strings.TrimSpace(rule.Code))
		if code == "" {
			return errors.New("discounts[].code cannot be empty")
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("discount %s defined twice", code)
		}
		seen[code] = struct{}{}
		value, err := decimal.NewFromString(strings.TrimSpace(rule.Value))
		if err != nil || !value.IsPositive() {
			return fmt.Errorf("discount %s has invalid value", code)
		}
		switch rule.Type {
		case DiscountPercent:
			if value.GreaterThan(decimal.NewFromInt(100)) {
				return fmt.Errorf("discount %s percent above 100", code)
			}
		case DiscountFixed:
		default:
			return fmt.Errorf("discount %s has unknown type %q", code, rule.Type)
		}
	}

	for _, entityType := range []string{"book", "author", "user"} {
		if strings.TrimSpace(cfg.Owners[entityType]) == "" {
			return fmt.Errorf("owners.%s cannot be empty", entityType)
		}
	}

	for _, pair := range cfg.Reconcile {
		if strings.TrimSpace(pair.Subscriber) == "" || strings.TrimSpace(pair.EntityType) == "" {
			return errors.New("reconcile pairs need subscriber and entityType")
		}
		if pair.Interval < 0 || pair.SampleSize < 0 {
			return fmt.Errorf("reconcile pair %s/%s has negative bounds", pair.Subscriber, pair.EntityType)
		}
	}
	return nil
}

func validateRate(field, raw string) error {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be within [0, 1]", field)
	}
	return nil
}

// Discount returns the rule registered under code, case-insensitively.
func (r Rules) Discount(code string) (DiscountRule, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, rule := range r.Discounts {
		if strings.ToUpper(strings.TrimSpace(rule.Code)) == code {
			return rule, true
		}
	}
	return DiscountRule{}, false
}

// Owner returns the authoritative service of an entity type.
func (r Rules) Owner(entityType string) string {
	return strings.TrimSpace(r.Owners[entityType])
}
