package engine

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// Default thresholds used by the study.
const (
	DefaultLSQ1Days     = 77  // 11 weeks gestation
	DefaultLSQ2Days     = 182 // 26 weeks gestation
	DefaultLSQ3Days     = 322 // 46 weeks after the last period
	DefaultDeliveryDays = 42  // 6 weeks postpartum
	DefaultFollowupDays = 14
)

// Rule holds the send threshold for one questionnaire version.
type Rule struct {
	// GestationalDays is the offset from the last menstrual period at which the
	// questionnaire becomes due.
	GestationalDays int
	// DeliveryAnchored subjects with a recorded delivery are evaluated against
	// DeliveryDays after delivery instead of the gestational threshold.
	DeliveryAnchored bool
	DeliveryDays     int
}

// Config is the immutable configuration threaded through every status computation.
type Config struct {
	Rules        map[models.Version]Rule
	FollowupDays int
}

// DefaultConfig returns the study's standard thresholds.
func DefaultConfig() Config {
	return Config{
		Rules: map[models.Version]Rule{
			models.LSQ1: {GestationalDays: DefaultLSQ1Days},
			models.LSQ2: {GestationalDays: DefaultLSQ2Days},
			models.LSQ3: {GestationalDays: DefaultLSQ3Days, DeliveryAnchored: true, DeliveryDays: DefaultDeliveryDays},
		},
		FollowupDays: DefaultFollowupDays,
	}
}

// Option modifies a Config.
type Option func(*Config)

// WithFollowupDays sets the interval between contacts.
func WithFollowupDays(days int) Option {
	return func(c *Config) {
		c.FollowupDays = days
	}
}

// WithGestationalDays sets the gestational threshold for v.
func WithGestationalDays(v models.Version, days int) Option {
	return func(c *Config) {
		r := c.Rules[v]
		r.GestationalDays = days
		c.Rules[v] = r
	}
}

// WithDeliveryDays makes v delivery anchored with the given postpartum threshold.
func WithDeliveryDays(v models.Version, days int) Option {
	return func(c *Config) {
		r := c.Rules[v]
		r.DeliveryAnchored = true
		r.DeliveryDays = days
		c.Rules[v] = r
	}
}

// NewConfig returns DefaultConfig with opts applied.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

var (
	errMissingRule      = errors.New("no gestational threshold configured")
	errNegativeDays     = errors.New("threshold must not be negative")
	errFollowupInterval = errors.New("follow-up interval must be positive")
)

// Rule returns the rule for v, or a ConfigError when none is configured.
func (c Config) Rule(v models.Version) (Rule, error) {
	r, ok := c.Rules[v]
	if !ok {
		return Rule{}, &models.ConfigError{Key: fmt.Sprintf("%s_GA_DAYS", v), Err: errMissingRule}
	}
	if r.GestationalDays < 0 {
		return Rule{}, &models.ConfigError{Key: fmt.Sprintf("%s_GA_DAYS", v), Err: errNegativeDays}
	}
	if r.DeliveryAnchored && r.DeliveryDays < 0 {
		return Rule{}, &models.ConfigError{Key: fmt.Sprintf("%s_DELIVERY_DAYS", v), Err: errNegativeDays}
	}
	return r, nil
}

// Validate checks the follow-up interval and the rule for every version.
func (c Config) Validate() error {
	if c.FollowupDays <= 0 {
		return &models.ConfigError{Key: "LSQ_FOLLOWUP_DAYS", Err: errFollowupInterval}
	}
	for _, v := range models.Versions {
		if _, err := c.Rule(v); err != nil {
			return err
		}
	}
	return nil
}
