package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/spf13/viper"
)

// RuleSpec is one retry rule as written in the rules file
type RuleSpec struct {
	Delay              time.Duration `mapstructure:"delay" validate:"gte=0"`
	OrderStatus        string        `mapstructure:"order_status" validate:"omitempty,oneof=pending processing on-hold completed failed cancelled refunded"`
	SubscriptionStatus string        `mapstructure:"subscription_status" validate:"omitempty,oneof=pending active on-hold pending-cancel cancelled expired"`
}

// RetrySection configures automatic payment retries
type RetrySection struct {
	Enabled bool `mapstructure:"enabled"`
	// Rules replaces the default escalation table when non-empty.
	Rules    []RuleSpec            `mapstructure:"rules" validate:"dive"`
	Gateways map[string][]RuleSpec `mapstructure:"gateways" validate:"dive,dive"`
}

// ProrationSection configures how switches are prorated
type ProrationSection struct {
	RecurringPrice string `mapstructure:"recurring_price" validate:"required,oneof=never virtual-upgrades-only upgrades-only virtual-both both"`
	SignUpFee      string `mapstructure:"sign_up_fee" validate:"required,oneof=never always"`
	Length         string `mapstructure:"length" validate:"required,oneof=never virtual-only always"`
}

// RulesFile is the on-disk layout of the billing rules
type RulesFile struct {
	Retry     RetrySection     `mapstructure:"retry"`
	Proration ProrationSection `mapstructure:"proration"`
	// TerminalFailureStatus applies when a renewal fails with no retry left.
	TerminalFailureStatus string `mapstructure:"terminal_failure_status" validate:"required,oneof=on-hold cancelled expired"`
}

// BillingRules is the validated form the engine consumes
type BillingRules struct {
	Retries               *retry.RuleTable
	Proration             domain.ProrationPolicy
	TerminalFailureStatus domain.SubscriptionStatus
}

// FallbackBillingRules disables retries and proration. The server runs on these
// when the rules file cannot be loaded.
func FallbackBillingRules() *BillingRules {
	return &BillingRules{
		Retries:               retry.DisabledRuleTable(),
		Proration:             domain.NoProration,
		TerminalFailureStatus: domain.SubscriptionStatusOnHold,
	}
}

// LoadBillingRules reads the retry table and proration policy from a YAML file.
// Every key can be overridden by a BILLING_ environment variable, e.g.
// BILLING_PRORATION_RECURRING_PRICE. An empty path uses defaults and the environment.
// Malformed rules return a CONFIG_INVALID error.
func LoadBillingRules(path string) (*BillingRules, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("retry.enabled", true)
	v.SetDefault("proration.recurring_price", string(domain.ProrateRecurringNever))
	v.SetDefault("proration.sign_up_fee", string(domain.ProrateSignUpFeeNever))
	v.SetDefault("proration.length", string(domain.ProrateLengthNever))
	v.SetDefault("terminal_failure_status", string(domain.SubscriptionStatusOnHold))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, domain.NewConfigurationError("read billing rules", err)
		}
	}

	var file RulesFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, domain.NewConfigurationError("decode billing rules", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, domain.NewConfigurationError("invalid billing rules", err)
	}

	return file.build()
}

func (f RulesFile) build() (*BillingRules, error) {
	policy := domain.ProrationPolicy{
		RecurringPrice: domain.RecurringProration(f.Proration.RecurringPrice),
		SignUpFee:      domain.SignUpFeeProration(f.Proration.SignUpFee),
		Length:         domain.LengthProration(f.Proration.Length),
	}
	if err := policy.Validate(); err != nil {
		return nil, domain.NewConfigurationError("invalid proration policy", err)
	}

	rules := &BillingRules{
		Proration:             policy,
		TerminalFailureStatus: domain.SubscriptionStatus(f.TerminalFailureStatus),
	}

	switch {
	case !f.Retry.Enabled:
		rules.Retries = retry.DisabledRuleTable()
	case len(f.Retry.Rules) == 0 && len(f.Retry.Gateways) == 0:
		rules.Retries = retry.DefaultRuleTable()
	default:
		gateways := make(map[string][]domain.RetryRule, len(f.Retry.Gateways))
		for gatewayID, specs := range f.Retry.Gateways {
			gateways[gatewayID] = toRetryRules(specs)
		}
		table, err := retry.NewRuleTable(toRetryRules(f.Retry.Rules), gateways)
		if err != nil {
			return nil, fmt.Errorf("build retry rules: %w", err)
		}
		rules.Retries = table
	}

	return rules, nil
}

func toRetryRules(specs []RuleSpec) []domain.RetryRule {
	out := make([]domain.RetryRule, len(specs))
	for i, s := range specs {
		out[i] = domain.RetryRule{
			Delay:              s.Delay,
			OrderStatus:        domain.OrderStatus(s.OrderStatus),
			SubscriptionStatus: domain.SubscriptionStatus(s.SubscriptionStatus),
		}
	}
	return out
}
