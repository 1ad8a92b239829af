package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "moderation_sweep_duration_sec",
	Help: "Duration of expiry sweeps",
})

var sweepEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_sweep_entries_total",
	Help: "Overdue punishments handled by the sweeper, by outcome",
}, []string{"outcome"})

// Expirer lists and closes overdue punishments.
type Expirer interface {
	ListOverdue(ctx context.Context, now time.Time) iter.Seq2[model.Punishment, error]
	Expire(ctx context.Context, p model.Punishment) (model.Punishment, error)
}

type SweepState int32

const (
	Idle SweepState = iota
	Sweeping
)

func (s SweepState) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// SweepResult summarizes one pass over the overdue punishments.
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("expired=%d skipped=%d failed=%d", r.Expired, r.Skipped, r.Failed)
}

// PunishmentTimer periodically lifts temporary bans and mutes once they expire.
type PunishmentTimer struct {
	expirer  Expirer
	interval time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger
	state    atomic.Int32
}

func NewPunishmentTimer(expirer Expirer, interval time.Duration, clk clock.Clock, logger logrus.FieldLogger) *PunishmentTimer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PunishmentTimer{
		expirer:  expirer,
		interval: interval,
		clock:    clk,
		log:      logger.WithField("component", "sweeper"),
	}
}

func (t *PunishmentTimer) State() SweepState {
	return SweepState(t.state.Load())
}

// Run sweeps immediately, which also catches up on everything that expired
// while the bot was offline, and then once per interval until ctx is cancelled.
func (t *PunishmentTimer) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()

	t.log.WithField("interval", t.interval).Info("Punishment timer started")
	for {
		if _, err := t.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			t.log.WithError(err).Error("Sweep aborted")
		}

		select {
		case <-ctx.Done():
			t.log.Info("Punishment timer stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce expires every punishment that is overdue now. A listing failure
// ends the sweep early; a failure on a single entry is logged and the sweep
// moves on. Cancellation lets the entry being closed finish.
func (t *PunishmentTimer) SweepOnce(ctx context.Context) (SweepResult, error) {
	t.state.Store(int32(Sweeping))
	defer t.state.Store(int32(Idle))

	start := t.clock.Now()
	defer func() { sweepDuration.Observe(t.clock.Since(start).Seconds()) }()

	var result SweepResult
	for p, err := range t.expirer.ListOverdue(ctx, start) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err != nil {
			return result, fmt.Errorf("failed to list overdue punishments: %w", err)
		}

		_, err = t.expirer.Expire(context.WithoutCancel(ctx), p)
		entry := t.log.WithFields(logrus.Fields{
			"punishment": p.ID,
			"kind":       p.Kind,
			"community":  p.CommunityID,
			"member":     p.MemberID,
		})
		switch {
		case err == nil:
			result.Expired++
			sweepEntries.WithLabelValues("expired").Inc()
		case errors.Is(err, model.ErrNotFound):
			result.Skipped++
			sweepEntries.WithLabelValues("skipped").Inc()
			entry.Debug("Punishment already lifted, skipping")
		default:
			result.Failed++
			sweepEntries.WithLabelValues("failed").Inc()
			entry.WithError(err).Warn("Failed to expire punishment")
		}
	}

	if result.Expired+result.Skipped+result.Failed > 0 {
		t.log.WithField("result", result.String()).Info("Sweep finished")
	}
	return result, nil
}
