package moderation

import (
	"errors"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_actions_total",
	Help: "Number of moderation actions handled, by action and result",
}, []string{"action", "result"})

var escalationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_escalations_total",
	Help: "Number of automatic escalations, by punishment kind and outcome",
}, []string{"kind", "outcome"})

var rateLimitedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_rate_limited_total",
	Help: "Number of actions rejected by the rate limiter",
}, []string{"action"})

var enforcerErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_enforcer_errors_total",
	Help: "Number of platform enforcement calls which failed",
}, []string{"kind", "op"})

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, model.ErrStorage):
		return "storage"
	default:
		return "error"
	}
}
