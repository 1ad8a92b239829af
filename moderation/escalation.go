package moderation

import (
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
)

// Decision is an automatic punishment chosen by the escalation policy.
type Decision struct {
	Kind      model.Kind
	Duration  time.Duration
	Threshold int
}

// Evaluate fires only when the warning count equals the rule threshold. Counts
// above the threshold mean the member was already escalated for it.
func Evaluate(warningCount int, rule model.EscalationRule) (Decision, bool) {
	if rule.Threshold <= 0 || warningCount != rule.Threshold {
		return Decision{}, false
	}
	kind, err := model.ParseKind(rule.Action)
	if err != nil {
		return Decision{}, false
	}
	d := Decision{Kind: kind, Threshold: rule.Threshold}
	if kind != model.KindKick && rule.DurationSeconds > 0 {
		d.Duration = time.Duration(rule.DurationSeconds) * time.Second
	}
	return d, true
}

// Policy holds the escalation ladder of a community.
type Policy struct {
	rules []model.EscalationRule
}

func NewPolicy(cfg model.ModerationConfig) *Policy {
	return &Policy{rules: cfg.Rules()}
}

// Decide returns the rule matching the count. Thresholds are unique so at most one fires.
func (p *Policy) Decide(warningCount int) (Decision, bool) {
	for _, rule := range p.rules {
		if d, ok := Evaluate(warningCount, rule); ok {
			return d, true
		}
	}
	return Decision{}, false
}
