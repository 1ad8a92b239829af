package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/moderation"
	"github.com/Aledallas01/FlexCore-Plugins/ratelimit"
	"github.com/Aledallas01/FlexCore-Plugins/scanner"
	"github.com/Aledallas01/FlexCore-Plugins/tasks"
	"github.com/Aledallas01/FlexCore-Plugins/utils/database/punishments"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runtime is the wired moderation stack shared by the daemon and the CLI.
type Runtime struct {
	Config  *model.Config
	DB      *sqlx.DB
	Store   *punishments.Store
	Limiter *ratelimit.Limiter
	Engine  *moderation.Engine
	Bot     *Bot // nil when no token is configured
	Clock   clock.Clock
	Log     *logrus.Logger
}

// Setup opens the database and builds the engine. Without a bot token actions
// are only recorded.
func Setup(cfg *model.Config, logger *logrus.Logger) (*Runtime, error) {
	db, err := punishments.Init(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	rt := &Runtime{
		Config:  cfg,
		DB:      db,
		Store:   punishments.NewStore(db, clk, cfg.Moderation.StoreTimeout()),
		Limiter: ratelimit.New(cfg.Moderation.RateLimit, clk),
		Clock:   clk,
		Log:     logger,
	}

	deps := moderation.Deps{Store: rt.Store, Limiter: rt.Limiter, Logger: logger}
	rt.Bot, err = New(cfg, rt.Store, clk, logger)
	switch {
	case err == nil:
		deps.Enforcer = rt.Bot.Enforcer
	case errors.Is(err, ErrNoToken):
		logger.Warn("BOT_TOKEN not set, punishments are recorded but not enforced on Discord")
	default:
		db.Close()
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	rt.Engine = moderation.New(cfg.Moderation, deps)
	return rt, nil
}

func (rt *Runtime) Close() {
	if err := rt.DB.Close(); err != nil {
		rt.Log.WithError(err).Warn("Failed to close database")
	}
}

// Serve connects to Discord, starts the scheduled tasks and the metrics
// endpoint, and blocks until ctx is cancelled.
func (rt *Runtime) Serve(ctx context.Context) error {
	if rt.Bot != nil {
		if err := rt.Bot.Open(); err != nil {
			return fmt.Errorf("error opening connection: %w", err)
		}
		defer rt.Bot.Close()
	}

	cfg := rt.Config.Moderation
	deps := SchedulerDeps{
		Timer:   scanner.NewPunishmentTimer(rt.Engine, cfg.SweepInterval(), rt.Clock, rt.Log),
		Limiter: rt.Limiter,
		Stats:   rt.Store,
		Clock:   rt.Clock,
		Logger:  rt.Log,
	}
	if cfg.Backup.Enabled {
		deps.Backup = tasks.NewBackup(rt.DB, cfg.Backup, rt.Clock, rt.Log)
	}
	if rt.Bot != nil {
		deps.Sender = rt.Bot.Session
	}
	scheduler := NewScheduler(cfg, deps)

	g, ctx := errgroup.WithContext(ctx)
	if addr := rt.Config.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			rt.Log.WithField("addr", addr).Info("Serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		scheduler.Start(ctx)
		rt.Log.Info("Moderation engine is now running. Press CTRL-C to exit.")
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	return g.Wait()
}
