package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/bot"
	"github.com/Aledallas01/FlexCore-Plugins/config"
	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/moderation"
	"github.com/Aledallas01/FlexCore-Plugins/scanner"
	"github.com/Aledallas01/FlexCore-Plugins/tasks"
	"github.com/Aledallas01/FlexCore-Plugins/utils"
	"github.com/urfave/cli/v2"
)

var (
	communityFlag = &cli.StringFlag{Name: "community", Aliases: []string{"c"}, Usage: "guild ID", Required: true}
	memberFlag    = &cli.StringFlag{Name: "member", Aliases: []string{"m"}, Usage: "target user ID", Required: true}
	moderatorFlag = &cli.StringFlag{Name: "moderator", Usage: "user ID of the moderator issuing the action", Required: true}
	reasonFlag    = &cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "reason recorded in the audit log"}
	durationFlag  = &cli.StringFlag{Name: "duration", Aliases: []string{"d"}, Usage: "length such as 30m, 2h, 7d, 2w, 3M or 1y; permanent when omitted"}
)

func actionFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{communityFlag, memberFlag, moderatorFlag, reasonFlag}, extra...)
}

// withRuntime loads the configuration and wires the engine around an action.
func withRuntime(fn func(cctx *cli.Context, rt *bot.Runtime) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, closeLog, err := utils.NewLogger(*cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		rt, err := bot.Setup(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cctx, rt)
	}
}

func requestFrom(cctx *cli.Context) (moderation.Request, error) {
	req := moderation.Request{
		CommunityID: cctx.String(communityFlag.Name),
		MemberID:    cctx.String(memberFlag.Name),
		ModeratorID: cctx.String(moderatorFlag.Name),
		Reason:      cctx.String(reasonFlag.Name),
	}
	if s := cctx.String(durationFlag.Name); s != "" {
		d, err := utils.ParseDuration(s)
		if err != nil {
			return req, err
		}
		req.DurationSeconds = int(d / time.Second)
	}
	return req, nil
}

func moderationCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "serve",
			Usage:  "connect to Discord and run the expiry sweeper, backups and stats reports",
			Action: withRuntime(runServe),
		},
		{
			Name:   "warn",
			Usage:  "warn a member, escalating automatically at the configured thresholds",
			Flags:  actionFlags(),
			Action: withRuntime(runWarn),
		},
		{
			Name:   "unwarn",
			Usage:  "remove the latest warning of a member, or a specific one with --id",
			Flags:  actionFlags(&cli.Int64Flag{Name: "id", Usage: "warning ID"}),
			Action: withRuntime(runUnwarn),
		},
		punishmentCommand("ban", "ban a member", true, (*moderation.Engine).Ban),
		punishmentCommand("mute", "mute a member", true, (*moderation.Engine).Mute),
		punishmentCommand("kick", "kick a member", false, (*moderation.Engine).Kick),
		punishmentCommand("unban", "lift the active ban of a member", false, (*moderation.Engine).Unban),
		punishmentCommand("unmute", "lift the active mute of a member", false, (*moderation.Engine).Unmute),
		{
			Name:   "history",
			Usage:  "show the moderation log of a member",
			Flags:  []cli.Flag{communityFlag, memberFlag},
			Action: withRuntime(runHistory),
		},
		{
			Name:   "warnings",
			Usage:  "list the current warnings of a member",
			Flags:  []cli.Flag{communityFlag, memberFlag},
			Action: withRuntime(runWarnings),
		},
		{
			Name:   "punishments",
			Usage:  "list every punishment of a member",
			Flags:  []cli.Flag{communityFlag, memberFlag},
			Action: withRuntime(runPunishments),
		},
		{
			Name:   "active",
			Usage:  "list the active bans and mutes of a community",
			Flags:  []cli.Flag{communityFlag},
			Action: withRuntime(runActive),
		},
		{
			Name:   "sweep",
			Usage:  "lift every overdue punishment once and exit",
			Action: withRuntime(runSweep),
		},
		{
			Name:  "stats",
			Usage: "show moderation activity of a community and host information",
			Flags: []cli.Flag{
				communityFlag,
				&cli.StringFlag{Name: "period", Value: "1d", Usage: "look-back window"},
			},
			Action: withRuntime(runStats),
		},
		{
			Name:  "backup",
			Usage: "snapshot the database now",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "list", Usage: "list existing backups instead"},
			},
			Action: withRuntime(runBackup),
		},
	}
}

type punishFunc func(e *moderation.Engine, ctx context.Context, req moderation.Request) (model.Punishment, error)

func punishmentCommand(name, usage string, timed bool, fn punishFunc) *cli.Command {
	flags := actionFlags()
	if timed {
		flags = actionFlags(durationFlag)
	}
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: flags,
		Action: withRuntime(func(cctx *cli.Context, rt *bot.Runtime) error {
			req, err := requestFrom(cctx)
			if err != nil {
				return err
			}
			p, err := fn(rt.Engine, cctx.Context, req)
			if err != nil {
				return err
			}
			fmt.Println(formatPunishment(p))
			return nil
		}),
	}
}

func runServe(cctx *cli.Context, rt *bot.Runtime) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rt.Serve(ctx)
}

func runWarn(cctx *cli.Context, rt *bot.Runtime) error {
	req, err := requestFrom(cctx)
	if err != nil {
		return err
	}
	res, err := rt.Engine.Warn(cctx.Context, req)
	if res.Warning.ID != 0 {
		fmt.Printf("warning #%d recorded, %d active warning(s)\n", res.Warning.ID, res.Count)
	}
	if res.Escalation != nil {
		fmt.Printf("automatic %s\n", formatPunishment(*res.Escalation))
	}
	return err
}

func runUnwarn(cctx *cli.Context, rt *bot.Runtime) error {
	req, err := requestFrom(cctx)
	if err != nil {
		return err
	}
	w, err := rt.Engine.Unwarn(cctx.Context, req, cctx.Int64("id"))
	if err != nil {
		return err
	}
	fmt.Printf("removed warning #%d (%s)\n", w.ID, w.Reason)
	return nil
}

func runHistory(cctx *cli.Context, rt *bot.Runtime) error {
	entries, err := rt.Engine.History(cctx.Context, cctx.String("community"), cctx.String("member"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no moderation history")
	}
	for _, e := range entries {
		fmt.Printf("%s  %-14s by %-20s %s\n", e.CreatedAt.Format(time.DateTime), e.Action, e.ModeratorID, e.Detail)
	}
	return nil
}

func runWarnings(cctx *cli.Context, rt *bot.Runtime) error {
	list, err := rt.Engine.Warnings(cctx.Context, cctx.String("community"), cctx.String("member"))
	if err != nil {
		return err
	}
	fmt.Printf("%d warning(s)\n", len(list))
	for _, w := range list {
		fmt.Printf("#%d  %s  by %s: %s\n", w.ID, w.CreatedAt.Format(time.DateTime), w.ModeratorID, w.Reason)
	}
	return nil
}

func runPunishments(cctx *cli.Context, rt *bot.Runtime) error {
	list, err := rt.Engine.Punishments(cctx.Context, cctx.String("community"), cctx.String("member"))
	if err != nil {
		return err
	}
	for _, p := range list {
		fmt.Println(formatPunishment(p))
	}
	return nil
}

func runActive(cctx *cli.Context, rt *bot.Runtime) error {
	list, err := rt.Engine.Active(cctx.Context, cctx.String("community"))
	if err != nil {
		return err
	}
	fmt.Printf("%d active punishment(s)\n", len(list))
	for _, p := range list {
		fmt.Println(formatPunishment(p))
	}
	return nil
}

func runSweep(cctx *cli.Context, rt *bot.Runtime) error {
	timer := scanner.NewPunishmentTimer(rt.Engine, rt.Config.Moderation.SweepInterval(), rt.Clock, rt.Log)
	res, err := timer.SweepOnce(cctx.Context)
	fmt.Println(res)
	return err
}

func runStats(cctx *cli.Context, rt *bot.Runtime) error {
	period, err := utils.ParseDuration(cctx.String("period"))
	if err != nil {
		return err
	}
	report, err := tasks.CollectPunishmentStats(cctx.Context, rt.Store, cctx.String("community"), period, rt.Clock.Now())
	if err != nil {
		return err
	}
	fmt.Print(report.Text())
	fmt.Println()
	fmt.Print(tasks.CollectSystemInfo(rt.Config.DatabasePath).Text())
	return nil
}

func runBackup(cctx *cli.Context, rt *bot.Runtime) error {
	backup := tasks.NewBackup(rt.DB, rt.Config.Moderation.Backup, rt.Clock, rt.Log)
	if cctx.Bool("list") {
		list, err := backup.List()
		if err != nil {
			return err
		}
		for _, path := range list {
			fmt.Println(path)
		}
		return nil
	}
	path, err := backup.Run(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", path)
	return nil
}

func formatPunishment(p model.Punishment) string {
	s := fmt.Sprintf("%s #%d of %s by %s", p.Kind, p.ID, p.MemberID, p.ModeratorID)
	switch {
	case p.Kind == model.KindKick:
	case p.ExpiresAt == nil:
		s += ", permanent"
	default:
		s += fmt.Sprintf(", %s until %s", utils.FormatDuration(p.ExpiresAt.Sub(p.CreatedAt)), p.ExpiresAt.Format(time.DateTime))
	}
	switch {
	case p.Active:
		s += " [active]"
	case p.ReversedAt != nil:
		s += fmt.Sprintf(" [lifted %s, %s]", p.ReversedAt.Format(time.DateTime), p.ReversedBy)
	}
	if p.Reason != "" {
		s += ": " + p.Reason
	}
	return s
}
