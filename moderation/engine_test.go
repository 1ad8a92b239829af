package moderation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/ratelimit"
	"github.com/Aledallas01/FlexCore-Plugins/utils/database/punishments"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnforcer struct {
	mu       sync.Mutex
	applied  []model.Punishment
	reverted []model.Punishment
	err      error
}

func (f *fakeEnforcer) Apply(_ context.Context, p model.Punishment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, p)
	return f.err
}

func (f *fakeEnforcer) Revert(_ context.Context, p model.Punishment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, p)
	return f.err
}

type testEnv struct {
	engine   *Engine
	store    *punishments.Store
	clock    *clock.Mock
	enforcer *fakeEnforcer
	logs     *test.Hook
}

func newTestEnv(t *testing.T, cfg model.ModerationConfig) *testEnv {
	t.Helper()
	require.NoError(t, cfg.Validate())

	db, err := punishments.Init(filepath.Join(t.TempDir(), "moderation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := punishments.NewStore(db, mock, cfg.StoreTimeout())
	enforcer := &fakeEnforcer{}
	engine := New(cfg, Deps{
		Store:    store,
		Limiter:  ratelimit.New(cfg.RateLimit, mock),
		Enforcer: enforcer,
		Logger:   logger,
	})
	return &testEnv{engine: engine, store: store, clock: mock, enforcer: enforcer, logs: hook}
}

func noLimitConfig() model.ModerationConfig {
	cfg := model.DefaultModerationConfig()
	cfg.RateLimit.Enabled = false
	return cfg
}

func req(member string) Request {
	return Request{CommunityID: "g1", MemberID: member, ModeratorID: "mod1", Reason: "rule 3"}
}

func TestEvaluateFiresOnlyAtThreshold(t *testing.T) {
	assert := assert.New(t)
	rule := model.EscalationRule{Threshold: 3, Action: "mute", DurationSeconds: 3600}

	for _, count := range []int{0, 1, 2, 4, 5, 10} {
		_, ok := Evaluate(count, rule)
		assert.False(ok, "count %d", count)
	}
	d, ok := Evaluate(3, rule)
	assert.True(ok)
	assert.Equal(model.KindMute, d.Kind)
	assert.Equal(time.Hour, d.Duration)

	_, ok = Evaluate(3, model.EscalationRule{Threshold: 3, Action: "timeout"})
	assert.False(ok)
	_, ok = Evaluate(0, model.EscalationRule{Threshold: 0, Action: "ban"})
	assert.False(ok)

	d, ok = Evaluate(2, model.EscalationRule{Threshold: 2, Action: "kick", DurationSeconds: 60})
	assert.True(ok)
	assert.Zero(d.Duration)
}

func TestPolicyLadder(t *testing.T) {
	assert := assert.New(t)
	cfg := model.DefaultModerationConfig()
	cfg.Escalations = []model.EscalationRule{{Threshold: 5, Action: "ban"}}
	p := NewPolicy(cfg)

	var fired []model.Kind
	for count := 1; count <= 7; count++ {
		if d, ok := p.Decide(count); ok {
			fired = append(fired, d.Kind)
		}
	}
	assert.Equal([]model.Kind{model.KindMute, model.KindBan}, fired)

	cfg.MaxWarnsBeforeAction = 0
	cfg.Escalations = nil
	_, ok := NewPolicy(cfg).Decide(3)
	assert.False(ok)
}

func TestAutoMuteEndToEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	for i := 1; i <= 2; i++ {
		res, err := env.engine.Warn(ctx, req("u1"))
		require.NoError(t, err)
		assert.Equal(i, res.Count)
		assert.Nil(res.Escalation)
		env.clock.Add(time.Minute)
	}

	res, err := env.engine.Warn(ctx, req("u1"))
	require.NoError(t, err)
	assert.Equal(3, res.Count)
	require.NotNil(t, res.Escalation)
	mute := res.Escalation
	assert.Equal(model.KindMute, mute.Kind)
	assert.True(mute.Active)
	assert.Equal(model.SystemModerator, mute.ModeratorID)
	if assert.NotNil(mute.ExpiresAt) {
		assert.Equal(mute.CreatedAt.Add(3600*time.Second), *mute.ExpiresAt)
	}

	// above the threshold nothing fires again
	res, err = env.engine.Warn(ctx, req("u1"))
	require.NoError(t, err)
	assert.Equal(4, res.Count)
	assert.Nil(res.Escalation)

	history, err := env.engine.History(ctx, "g1", "u1")
	require.NoError(t, err)
	escalations := 0
	for _, entry := range history {
		if entry.Action == model.ActionAutoEscalation {
			escalations++
			assert.Equal(model.SystemModerator, entry.ModeratorID)
		}
	}
	assert.Equal(1, escalations)
	assert.Len(history, 5)

	if assert.Len(env.enforcer.applied, 1) {
		assert.Equal(mute.ID, env.enforcer.applied[0].ID)
	}
}

func TestConcurrentWarningsEscalateOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	escalated := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Warn(ctx, req("u1"))
			assert.NoError(t, err)
			if res.Escalation != nil {
				mu.Lock()
				escalated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, escalated)
}

func TestEscalationSkippedWhenAlreadyActive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	_, err := env.engine.Mute(ctx, req("u1"))
	require.NoError(t, err)

	var last WarnResult
	for i := 0; i < 3; i++ {
		last, err = env.engine.Warn(ctx, req("u1"))
		require.NoError(t, err)
	}
	assert.Equal(3, last.Count)
	assert.Nil(last.Escalation)

	skipped := false
	for _, entry := range env.logs.AllEntries() {
		if strings.Contains(entry.Message, "escalation skipped") {
			skipped = true
		}
	}
	assert.True(skipped)

	active, err := env.engine.Active(ctx, "g1")
	require.NoError(t, err)
	assert.Len(active, 1)
}

func TestUnmuteWithoutMuteIsNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	_, err := env.engine.Unmute(ctx, req("u1"))
	assert.ErrorIs(err, model.ErrNotFound)
	_, err = env.engine.Unban(ctx, req("u1"))
	assert.ErrorIs(err, model.ErrNotFound)
	_, err = env.engine.Unwarn(ctx, req("u1"), 0)
	assert.ErrorIs(err, model.ErrNotFound)

	history, err := env.engine.History(ctx, "g1", "u1")
	assert.NoError(err)
	assert.Empty(history)
	assert.Empty(env.enforcer.reverted)
}

func TestBanMuteKickLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	r := req("u1")
	r.DurationSeconds = 7200
	ban, err := env.engine.Ban(ctx, r)
	require.NoError(t, err)
	assert.False(ban.Permanent())

	_, err = env.engine.Ban(ctx, req("u1"))
	assert.ErrorIs(err, model.ErrAlreadyActive)

	mute, err := env.engine.Mute(ctx, req("u1"))
	require.NoError(t, err)
	assert.True(mute.Permanent())

	kick, err := env.engine.Kick(ctx, req("u1"))
	require.NoError(t, err)
	assert.False(kick.Active)

	unbanned, err := env.engine.Unban(ctx, req("u1"))
	require.NoError(t, err)
	assert.Equal(ban.ID, unbanned.ID)
	assert.Equal(model.ClosedManual, unbanned.ReversedBy)

	_, err = env.engine.Unmute(ctx, req("u1"))
	require.NoError(t, err)

	all, err := env.engine.Punishments(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Len(all, 3)
	assert.Len(env.enforcer.applied, 3)
	assert.Len(env.enforcer.reverted, 2)
}

func TestUnwarnByID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	first, err := env.engine.Warn(ctx, req("u1"))
	require.NoError(t, err)
	_, err = env.engine.Warn(ctx, req("u1"))
	require.NoError(t, err)

	removed, err := env.engine.Unwarn(ctx, req("u1"), first.Warning.ID)
	require.NoError(t, err)
	assert.Equal(first.Warning.ID, removed.ID)

	warnings, err := env.engine.Warnings(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Len(warnings, 1)
}

func TestRateLimitedActionMutatesNothing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cfg := model.DefaultModerationConfig()
	cfg.RateLimit = model.RateLimitConfig{Enabled: true, MaxActions: 2, WindowSeconds: 60}
	env := newTestEnv(t, cfg)

	_, err := env.engine.Ban(ctx, req("u1"))
	require.NoError(t, err)
	_, err = env.engine.Ban(ctx, req("u2"))
	require.NoError(t, err)

	_, err = env.engine.Ban(ctx, req("u3"))
	assert.ErrorIs(err, model.ErrRateLimited)
	var limited *model.RateLimitedError
	if assert.ErrorAs(err, &limited) {
		assert.Equal(60*time.Second, limited.RetryAfter)
	}

	history, err := env.engine.History(ctx, "g1", "u3")
	require.NoError(t, err)
	assert.Empty(history)

	// warnings are counted separately from bans
	_, err = env.engine.Warn(ctx, req("u3"))
	assert.NoError(err)

	env.clock.Add(60 * time.Second)
	_, err = env.engine.Ban(ctx, req("u3"))
	assert.NoError(err)
}

func TestEscalationBypassesRateLimit(t *testing.T) {
	ctx := context.Background()
	cfg := model.DefaultModerationConfig()
	cfg.RateLimit = model.RateLimitConfig{Enabled: true, MaxActions: 3, WindowSeconds: 60}
	env := newTestEnv(t, cfg)

	_, err := env.engine.Mute(ctx, req("u2"))
	require.NoError(t, err)
	_, err = env.engine.Mute(ctx, req("u3"))
	require.NoError(t, err)
	_, err = env.engine.Mute(ctx, req("u4"))
	require.NoError(t, err)

	var res WarnResult
	for i := 0; i < 3; i++ {
		res, err = env.engine.Warn(ctx, req("u1"))
		require.NoError(t, err)
	}
	assert.NotNil(t, res.Escalation)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	cfg := model.DefaultModerationConfig()
	cfg.RequireReason = true
	cfg.RateLimit = model.RateLimitConfig{Enabled: true, MaxActions: 1, WindowSeconds: 60}
	env := newTestEnv(t, cfg)

	cases := []struct {
		name string
		run  func() error
	}{
		{"empty member", func() error {
			_, err := env.engine.Ban(ctx, Request{CommunityID: "g1", ModeratorID: "mod1", Reason: "x"})
			return err
		}},
		{"empty moderator", func() error {
			_, err := env.engine.Warn(ctx, Request{CommunityID: "g1", MemberID: "u1", Reason: "x"})
			return err
		}},
		{"long reason", func() error {
			r := req("u1")
			r.Reason = strings.Repeat("é", MaxReasonLength+1)
			_, err := env.engine.Ban(ctx, r)
			return err
		}},
		{"missing reason", func() error {
			r := req("u1")
			r.Reason = "  "
			_, err := env.engine.Kick(ctx, r)
			return err
		}},
		{"kick with duration", func() error {
			r := req("u1")
			r.DurationSeconds = 60
			_, err := env.engine.Kick(ctx, r)
			return err
		}},
		{"warn with duration", func() error {
			r := req("u1")
			r.DurationSeconds = 60
			_, err := env.engine.Warn(ctx, r)
			return err
		}},
		{"negative duration", func() error {
			r := req("u1")
			r.DurationSeconds = -5
			_, err := env.engine.Mute(ctx, r)
			return err
		}},
		{"overflowing duration", func() error {
			r := req("u1")
			r.DurationSeconds = 18446744074
			_, err := env.engine.Mute(ctx, r)
			return err
		}},
		{"unmute with duration", func() error {
			r := req("u1")
			r.DurationSeconds = 5
			_, err := env.engine.Unmute(ctx, r)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.run(), model.ErrValidation)
		})
	}

	// rejected requests never touch the limiter
	_, err := env.engine.Ban(ctx, req("u1"))
	assert.NoError(t, err)

	// unban does not need a reason
	r := req("u1")
	r.Reason = ""
	_, err = env.engine.Unban(ctx, r)
	assert.NoError(t, err)
}

func TestEnforcerFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())
	env.enforcer.err = errors.New("missing permissions")

	p, err := env.engine.Ban(ctx, req("u1"))
	require.NoError(t, err)
	assert.True(t, p.Active)

	active, err := env.engine.Active(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	logged := false
	for _, entry := range env.logs.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestExpire(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())

	r := req("u1")
	r.DurationSeconds = 600
	mute, err := env.engine.Mute(ctx, r)
	require.NoError(t, err)

	env.clock.Add(10 * time.Minute)
	var overdue []model.Punishment
	for p, err := range env.engine.ListOverdue(ctx, env.clock.Now()) {
		require.NoError(t, err)
		overdue = append(overdue, p)
	}
	require.Len(t, overdue, 1)

	closed, err := env.engine.Expire(ctx, overdue[0])
	require.NoError(t, err)
	assert.Equal(mute.ID, closed.ID)
	assert.Equal(model.ClosedExpiry, closed.ReversedBy)
	assert.Len(env.enforcer.reverted, 1)

	_, err = env.engine.Expire(ctx, overdue[0])
	assert.ErrorIs(err, model.ErrNotFound)
}

// Every successful mutation leaves exactly one log row and failures leave none.
func TestAuditCompleteness(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, noLimitConfig())
	rnd := rand.New(rand.NewSource(42))

	members := []string{"u1", "u2", "u3"}
	expected := make(map[string]int)
	expired := 0
	sweep := func() {
		for p, err := range env.engine.ListOverdue(ctx, env.clock.Now()) {
			require.NoError(t, err)
			_, err = env.engine.Expire(ctx, p)
			require.NoError(t, err)
			expected[p.MemberID]++
			expired++
		}
	}

	for i := 0; i < 200; i++ {
		member := members[rnd.Intn(len(members))]
		r := req(member)
		var err error
		rows := 1
		switch rnd.Intn(8) {
		case 0:
			var res WarnResult
			res, err = env.engine.Warn(ctx, r)
			if res.Escalation != nil {
				rows++
			}
		case 1:
			_, err = env.engine.Unwarn(ctx, r, 0)
		case 2:
			if rnd.Intn(2) == 0 {
				r.DurationSeconds = 60
			}
			_, err = env.engine.Ban(ctx, r)
		case 3:
			_, err = env.engine.Unban(ctx, r)
		case 4:
			if rnd.Intn(2) == 0 {
				r.DurationSeconds = 5
			}
			_, err = env.engine.Mute(ctx, r)
		case 5:
			_, err = env.engine.Unmute(ctx, r)
		case 6:
			_, err = env.engine.Kick(ctx, r)
		case 7:
			env.clock.Add(time.Duration(rnd.Intn(60)) * time.Second)
			sweep()
			continue
		}
		if err == nil {
			expected[member] += rows
		} else {
			require.True(t, errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrAlreadyActive), "unexpected error: %v", err)
		}
		env.clock.Add(time.Second)
	}
	env.clock.Add(2 * time.Minute)
	sweep()
	assert.Positive(t, expired)

	for _, member := range members {
		history, err := env.engine.History(ctx, "g1", member)
		require.NoError(t, err)
		assert.Equal(t, expected[member], len(history), fmt.Sprintf("member %s", member))
	}
}
