package bot

import (
	"context"
	"sync"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/scanner"
	"github.com/Aledallas01/FlexCore-Plugins/tasks"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// StatsStore is what the periodic report reads.
type StatsStore interface {
	tasks.StatsSource
	Communities(ctx context.Context) ([]string, error)
}

type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type backupRunner interface {
	Run(ctx context.Context) (string, error)
}

type limiterCleaner interface {
	Cleanup() int
}

// SchedulerDeps are the background jobs. Nil members are not scheduled.
type SchedulerDeps struct {
	Timer   *scanner.PunishmentTimer
	Limiter limiterCleaner
	Backup  backupRunner
	Stats   StatsStore
	Sender  embedSender
	Clock   clock.Clock
	Logger  logrus.FieldLogger
}

// Scheduler manages all scheduled tasks.
type Scheduler struct {
	deps   SchedulerDeps
	cfg    model.ModerationConfig
	log    logrus.FieldLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg model.ModerationConfig, deps SchedulerDeps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.WithField("component", "scheduler"),
	}
}

// Start begins all scheduled tasks. They run until Stop or until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.deps.Timer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Timer.Run(ctx)
		}()
	}

	if s.deps.Limiter != nil && s.cfg.RateLimit.Enabled && s.cfg.RateLimit.Window() > 0 {
		s.every(ctx, "rate limit cleanup", s.cfg.RateLimit.Window(), func(context.Context) {
			if n := s.deps.Limiter.Cleanup(); n > 0 {
				s.log.WithField("removed", n).Debug("Cleaned up rate limit windows")
			}
		})
	}

	if s.deps.Backup != nil && s.cfg.Backup.Enabled && s.cfg.Backup.Interval() > 0 {
		s.every(ctx, "backup", s.cfg.Backup.Interval(), func(ctx context.Context) {
			if _, err := s.deps.Backup.Run(ctx); err != nil {
				s.log.WithError(err).Error("Database backup failed")
			}
		})
	}

	if s.deps.Stats != nil && s.cfg.StatsInterval() > 0 {
		s.every(ctx, "stats report", s.cfg.StatsInterval(), s.reportStats)
	}
}

// Stop terminates all scheduled tasks gracefully.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.log.Info("Stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped.")
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	// the ticker exists before Start returns so a clock advanced right after is observed
	ticker := s.deps.Clock.Ticker(interval)
	s.log.WithFields(logrus.Fields{"task": name, "interval": interval}).Info("Scheduled task")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) reportStats(ctx context.Context) {
	communities, err := s.deps.Stats.Communities(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list communities for stats")
		return
	}

	now := s.deps.Clock.Now()
	for _, communityID := range communities {
		report, err := tasks.CollectPunishmentStats(ctx, s.deps.Stats, communityID, s.cfg.StatsInterval(), now)
		if err != nil {
			s.log.WithError(err).Error("Failed to collect punishment stats")
			continue
		}
		if report.Total == 0 {
			continue
		}

		if s.deps.Sender == nil || s.cfg.StatsChannelID == "" {
			s.log.WithField("community", communityID).Info(report.Text())
			continue
		}
		if _, err := s.deps.Sender.ChannelMessageSendEmbed(s.cfg.StatsChannelID, report.Embed(), discordgo.WithContext(ctx)); err != nil {
			s.log.WithError(err).WithField("channel", s.cfg.StatsChannelID).Error("Failed to send punishment stats")
		}
	}
}
