// Package retry schedules and fires automatic retries of failed renewal payments.
package retry

import (
	"fmt"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// RuleTable is the escalation table, indexed by 0-based attempt number.
// It is read-only after construction and safe to share.
type RuleTable struct {
	defaults []domain.RetryRule
	gateways map[string][]domain.RetryRule
}

// NewRuleTable validates and builds a table. A gateway entry replaces the
// default rules entirely for subscriptions paid through that gateway.
func NewRuleTable(defaults []domain.RetryRule, perGateway map[string][]domain.RetryRule) (*RuleTable, error) {
	for i, rule := range defaults {
		if err := rule.Validate(); err != nil {
			return nil, domain.NewConfigurationError(fmt.Sprintf("retry rule %d", i), err)
		}
	}

	gateways := make(map[string][]domain.RetryRule, len(perGateway))
	for gatewayID, rules := range perGateway {
		for i, rule := range rules {
			if err := rule.Validate(); err != nil {
				return nil, domain.NewConfigurationError(fmt.Sprintf("retry rule %d for gateway %s", i, gatewayID), err)
			}
		}
		gateways[gatewayID] = append([]domain.RetryRule(nil), rules...)
	}

	return &RuleTable{
		defaults: append([]domain.RetryRule(nil), defaults...),
		gateways: gateways,
	}, nil
}

// DefaultRuleTable retries five times over roughly a week, holding the order
// pending and the subscription on-hold while each retry is outstanding.
func DefaultRuleTable() *RuleTable {
	delays := []time.Duration{12 * time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour, 72 * time.Hour}
	rules := make([]domain.RetryRule, len(delays))
	for i, d := range delays {
		rules[i] = domain.RetryRule{
			Delay:              d,
			OrderStatus:        domain.OrderStatusPending,
			SubscriptionStatus: domain.SubscriptionStatusOnHold,
		}
	}
	return &RuleTable{defaults: rules, gateways: map[string][]domain.RetryRule{}}
}

// DisabledRuleTable never matches, so every failure is terminal.
func DisabledRuleTable() *RuleTable {
	return &RuleTable{gateways: map[string][]domain.RetryRule{}}
}

// Lookup returns the rule for the given attempt, if any.
func (t *RuleTable) Lookup(attempt int, gatewayID string) (domain.RetryRule, bool) {
	rules := t.rulesFor(gatewayID)
	if attempt < 0 || attempt >= len(rules) {
		return domain.RetryRule{}, false
	}
	return rules[attempt], true
}

// Len is the number of retries a subscription on gatewayID will get
func (t *RuleTable) Len(gatewayID string) int {
	return len(t.rulesFor(gatewayID))
}

func (t *RuleTable) rulesFor(gatewayID string) []domain.RetryRule {
	if rules, ok := t.gateways[gatewayID]; ok {
		return rules
	}
	return t.defaults
}
