// Package moderation orchestrates warnings and punishments: it validates
// requests, applies rate limits, persists the change and runs the escalation
// policy before mirroring the result onto the platform.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/ratelimit"
	"github.com/Aledallas01/FlexCore-Plugins/utils/database/punishments"
	"github.com/sirupsen/logrus"
)

// MaxReasonLength is the longest reason accepted, in runes.
const MaxReasonLength = 512

// MaxDurationSeconds is the longest duration that fits in a time.Duration.
const MaxDurationSeconds = math.MaxInt64 / int64(time.Second)

// Store is the persistence the engine needs.
type Store interface {
	AddWarning(ctx context.Context, communityID, memberID, moderatorID, reason string) (model.Warning, int, error)
	RemoveLatestWarning(ctx context.Context, communityID, memberID, moderatorID string) (model.Warning, error)
	RemoveWarning(ctx context.Context, communityID, memberID, moderatorID string, warningID int64) (model.Warning, error)
	ListWarnings(ctx context.Context, communityID, memberID string) ([]model.Warning, error)
	OpenPunishment(ctx context.Context, req punishments.OpenRequest) (model.Punishment, error)
	ClosePunishment(ctx context.Context, req punishments.CloseRequest) (model.Punishment, error)
	ListOverdue(ctx context.Context, now time.Time) iter.Seq2[model.Punishment, error]
	History(ctx context.Context, communityID, memberID string) ([]model.ModLogEntry, error)
	ListPunishments(ctx context.Context, communityID, memberID string) ([]model.Punishment, error)
	ActivePunishments(ctx context.Context, communityID string) ([]model.Punishment, error)
}

// Enforcer mirrors committed punishments onto the chat platform.
type Enforcer interface {
	Apply(ctx context.Context, p model.Punishment) error
	Revert(ctx context.Context, p model.Punishment) error
}

// Request is the input of every moderation command. DurationSeconds is zero
// when no duration was given; a temporary ban or mute needs a positive value.
type Request struct {
	CommunityID     string
	MemberID        string
	ModeratorID     string
	Reason          string
	DurationSeconds int
}

// WarnResult is the outcome of a warning. Escalation is set when the warning
// triggered an automatic punishment.
type WarnResult struct {
	Warning    model.Warning
	Count      int
	Escalation *model.Punishment
}

type Deps struct {
	Store    Store
	Limiter  *ratelimit.Limiter
	Enforcer Enforcer
	Logger   logrus.FieldLogger
}

type Engine struct {
	store         Store
	limiter       *ratelimit.Limiter
	enforcer      Enforcer
	policy        *Policy
	requireReason bool
	log           logrus.FieldLogger
}

func New(cfg model.ModerationConfig, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		store:         deps.Store,
		limiter:       deps.Limiter,
		enforcer:      deps.Enforcer,
		policy:        NewPolicy(cfg),
		requireReason: cfg.RequireReason,
		log:           logger.WithField("component", "moderation"),
	}
}

type rules struct {
	duration     bool
	reasonNeeded bool
}

func (e *Engine) validate(req Request, r rules) error {
	if strings.TrimSpace(req.CommunityID) == "" {
		return &model.ValidationError{Field: "community_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.MemberID) == "" {
		return &model.ValidationError{Field: "member_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.ModeratorID) == "" {
		return &model.ValidationError{Field: "moderator_id", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(req.Reason) > MaxReasonLength {
		return &model.ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at most %d characters", MaxReasonLength)}
	}
	if r.reasonNeeded && e.requireReason && strings.TrimSpace(req.Reason) == "" {
		return &model.ValidationError{Field: "reason", Reason: "is required"}
	}
	if req.DurationSeconds < 0 {
		return &model.ValidationError{Field: "duration_seconds", Reason: "must be positive"}
	}
	if int64(req.DurationSeconds) > MaxDurationSeconds {
		return &model.ValidationError{Field: "duration_seconds", Reason: fmt.Sprintf("must be at most %d", MaxDurationSeconds)}
	}
	if req.DurationSeconds > 0 && !r.duration {
		return &model.ValidationError{Field: "duration_seconds", Reason: "not accepted for this action"}
	}
	return nil
}

// admit validates the request and charges it to the moderator's rate limit.
func (e *Engine) admit(req Request, action string, r rules) error {
	if err := e.validate(req, r); err != nil {
		return err
	}
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Check(req.CommunityID, req.ModeratorID, action); err != nil {
		rateLimitedCount.WithLabelValues(action).Inc()
		return err
	}
	return nil
}

func (e *Engine) finish(action string, req Request, err error) {
	actionCount.WithLabelValues(action, resultLabel(err)).Inc()
	fields := logrus.Fields{
		"action":    action,
		"community": req.CommunityID,
		"member":    req.MemberID,
		"moderator": req.ModeratorID,
	}
	if err != nil {
		e.log.WithFields(fields).WithError(err).Debug("moderation action rejected")
		return
	}
	e.log.WithFields(fields).Info("moderation action applied")
}

func (e *Engine) apply(ctx context.Context, p model.Punishment) {
	if e.enforcer == nil {
		return
	}
	if err := e.enforcer.Apply(ctx, p); err != nil {
		enforcerErrorCount.WithLabelValues(string(p.Kind), "apply").Inc()
		e.log.WithError(err).WithFields(logrus.Fields{
			"punishment": p.ID,
			"kind":       p.Kind,
			"community":  p.CommunityID,
			"member":     p.MemberID,
		}).Error("failed to apply punishment on the platform")
	}
}

func (e *Engine) revert(ctx context.Context, p model.Punishment) {
	if e.enforcer == nil {
		return
	}
	if err := e.enforcer.Revert(ctx, p); err != nil {
		enforcerErrorCount.WithLabelValues(string(p.Kind), "revert").Inc()
		e.log.WithError(err).WithFields(logrus.Fields{
			"punishment": p.ID,
			"kind":       p.Kind,
			"community":  p.CommunityID,
			"member":     p.MemberID,
		}).Error("failed to revert punishment on the platform")
	}
}

// Warn records a warning and runs the escalation policy against the new count.
// When the escalation itself fails the committed warning is still returned
// alongside the error.
func (e *Engine) Warn(ctx context.Context, req Request) (res WarnResult, err error) {
	defer func() { e.finish(model.ActionWarn, req, err) }()

	if err := e.admit(req, model.ActionWarn, rules{reasonNeeded: true}); err != nil {
		return WarnResult{}, err
	}
	warning, count, err := e.store.AddWarning(ctx, req.CommunityID, req.MemberID, req.ModeratorID, req.Reason)
	if err != nil {
		return WarnResult{}, err
	}
	res = WarnResult{Warning: warning, Count: count}

	escalation, err := e.escalate(ctx, req, count)
	if err != nil {
		return res, fmt.Errorf("escalation after warning %d: %w", warning.ID, err)
	}
	res.Escalation = escalation
	return res, nil
}

func (e *Engine) escalate(ctx context.Context, req Request, count int) (*model.Punishment, error) {
	decision, ok := e.policy.Decide(count)
	if !ok {
		return nil, nil
	}

	p, err := e.store.OpenPunishment(ctx, punishments.OpenRequest{
		CommunityID: req.CommunityID,
		MemberID:    req.MemberID,
		ModeratorID: model.SystemModerator,
		Kind:        decision.Kind,
		Reason:      fmt.Sprintf("automatic %s after %d warnings", decision.Kind, count),
		Duration:    decision.Duration,
		LogAction:   model.ActionAutoEscalation,
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrAlreadyActive):
		escalationCount.WithLabelValues(string(decision.Kind), "skipped").Inc()
		e.log.WithFields(logrus.Fields{
			"community": req.CommunityID,
			"member":    req.MemberID,
			"kind":      decision.Kind,
			"warnings":  count,
		}).Info("escalation skipped, punishment already active")
		return nil, nil
	default:
		escalationCount.WithLabelValues(string(decision.Kind), "failed").Inc()
		return nil, err
	}

	escalationCount.WithLabelValues(string(decision.Kind), "opened").Inc()
	e.log.WithFields(logrus.Fields{
		"community":  req.CommunityID,
		"member":     req.MemberID,
		"kind":       p.Kind,
		"punishment": p.ID,
		"warnings":   count,
	}).Warn("member escalated automatically")
	e.apply(ctx, p)
	return &p, nil
}

// Unwarn removes the member's latest warning, or the given one when warningID is set.
func (e *Engine) Unwarn(ctx context.Context, req Request, warningID int64) (w model.Warning, err error) {
	defer func() { e.finish(model.ActionUnwarn, req, err) }()

	if err := e.admit(req, model.ActionUnwarn, rules{}); err != nil {
		return model.Warning{}, err
	}
	if warningID > 0 {
		return e.store.RemoveWarning(ctx, req.CommunityID, req.MemberID, req.ModeratorID, warningID)
	}
	return e.store.RemoveLatestWarning(ctx, req.CommunityID, req.MemberID, req.ModeratorID)
}

func (e *Engine) issue(ctx context.Context, req Request, kind model.Kind) (p model.Punishment, err error) {
	defer func() { e.finish(string(kind), req, err) }()

	if err := e.admit(req, string(kind), rules{duration: kind != model.KindKick, reasonNeeded: true}); err != nil {
		return model.Punishment{}, err
	}
	p, err = e.store.OpenPunishment(ctx, punishments.OpenRequest{
		CommunityID: req.CommunityID,
		MemberID:    req.MemberID,
		ModeratorID: req.ModeratorID,
		Kind:        kind,
		Reason:      req.Reason,
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		return model.Punishment{}, err
	}
	e.apply(ctx, p)
	return p, nil
}

func (e *Engine) lift(ctx context.Context, req Request, kind model.Kind) (p model.Punishment, err error) {
	action := "un" + string(kind)
	defer func() { e.finish(action, req, err) }()

	if err := e.admit(req, action, rules{}); err != nil {
		return model.Punishment{}, err
	}
	p, err = e.store.ClosePunishment(ctx, punishments.CloseRequest{
		CommunityID: req.CommunityID,
		MemberID:    req.MemberID,
		ModeratorID: req.ModeratorID,
		Kind:        kind,
		Reason:      req.Reason,
		ClosedBy:    model.ClosedManual,
	})
	if err != nil {
		return model.Punishment{}, err
	}
	e.revert(ctx, p)
	return p, nil
}

// Ban bans the member, permanently unless a duration is given.
func (e *Engine) Ban(ctx context.Context, req Request) (model.Punishment, error) {
	return e.issue(ctx, req, model.KindBan)
}

// Mute mutes the member, permanently unless a duration is given.
func (e *Engine) Mute(ctx context.Context, req Request) (model.Punishment, error) {
	return e.issue(ctx, req, model.KindMute)
}

// Kick records a kick. Kicks never stay active.
func (e *Engine) Kick(ctx context.Context, req Request) (model.Punishment, error) {
	return e.issue(ctx, req, model.KindKick)
}

// Unban lifts the member's active ban.
func (e *Engine) Unban(ctx context.Context, req Request) (model.Punishment, error) {
	return e.lift(ctx, req, model.KindBan)
}

// Unmute lifts the member's active mute.
func (e *Engine) Unmute(ctx context.Context, req Request) (model.Punishment, error) {
	return e.lift(ctx, req, model.KindMute)
}

// Expire closes an overdue punishment on behalf of the sweeper. Only the given
// row is closed; ErrNotFound means it was already reversed.
func (e *Engine) Expire(ctx context.Context, p model.Punishment) (model.Punishment, error) {
	closed, err := e.store.ClosePunishment(ctx, punishments.CloseRequest{
		CommunityID:  p.CommunityID,
		MemberID:     p.MemberID,
		ModeratorID:  model.SystemModerator,
		Kind:         p.Kind,
		Reason:       "expired",
		ClosedBy:     model.ClosedExpiry,
		PunishmentID: p.ID,
	})
	actionCount.WithLabelValues(model.ActionExpiry, resultLabel(err)).Inc()
	if err != nil {
		return model.Punishment{}, err
	}
	e.log.WithFields(logrus.Fields{
		"community":  closed.CommunityID,
		"member":     closed.MemberID,
		"kind":       closed.Kind,
		"punishment": closed.ID,
	}).Info("punishment expired")
	e.revert(ctx, closed)
	return closed, nil
}

// ListOverdue lists the punishments the sweeper should expire.
func (e *Engine) ListOverdue(ctx context.Context, now time.Time) iter.Seq2[model.Punishment, error] {
	return e.store.ListOverdue(ctx, now)
}

// History returns the member's moderation log, oldest first.
func (e *Engine) History(ctx context.Context, communityID, memberID string) ([]model.ModLogEntry, error) {
	return e.store.History(ctx, communityID, memberID)
}

// Warnings returns the member's current warnings.
func (e *Engine) Warnings(ctx context.Context, communityID, memberID string) ([]model.Warning, error) {
	return e.store.ListWarnings(ctx, communityID, memberID)
}

// Punishments returns every punishment of the member.
func (e *Engine) Punishments(ctx context.Context, communityID, memberID string) ([]model.Punishment, error) {
	return e.store.ListPunishments(ctx, communityID, memberID)
}

// Active returns the active bans and mutes of a community.
func (e *Engine) Active(ctx context.Context, communityID string) ([]model.Punishment, error) {
	return e.store.ActivePunishments(ctx, communityID)
}
