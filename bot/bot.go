package bot

import (
	"context"
	"errors"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/Aledallas01/FlexCore-Plugins/utils"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// ErrNoToken is returned by New when no bot token is configured.
var ErrNoToken = errors.New("bot token is not configured")

// memberPunishments is what the bot reads to restore mutes on rejoin.
type memberPunishments interface {
	ListPunishments(ctx context.Context, communityID, memberID string) ([]model.Punishment, error)
}

// Bot owns the Discord session. The REST half works without Open, so the CLI
// can enforce actions without connecting to the gateway.
type Bot struct {
	Session  *discordgo.Session
	Enforcer *DiscordEnforcer
	store    memberPunishments
	clock    clock.Clock
	log      logrus.FieldLogger
}

func New(cfg *model.Config, store memberPunishments, clk clock.Clock, logger logrus.FieldLogger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, ErrNoToken
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	dg.StateEnabled = false
	dg.Client = utils.GlobalHTTPClient

	b := &Bot{
		Session:  dg,
		Enforcer: NewDiscordEnforcer(dg, cfg.Moderation.MuteRoleName, clk, logger),
		store:    store,
		clock:    clk,
		log:      logger.WithField("component", "bot"),
	}
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMemberAdd)
	return b, nil
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	return b.Session.Open()
}

func (b *Bot) Close() {
	b.log.Info("Gracefully shutting down.")
	if err := b.Session.Close(); err != nil {
		b.log.WithError(err).Warn("Failed to close Discord session")
	}
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.WithFields(logrus.Fields{"user": r.User.Username, "guilds": len(r.Guilds)}).Info("Bot is now running")
}

func (b *Bot) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.restoreMute(ctx, m.GuildID, m.User.ID)
}

// restoreMute puts an active mute back on a member who left and rejoined,
// since leaving drops their roles.
func (b *Bot) restoreMute(ctx context.Context, guildID, userID string) {
	if b.store == nil {
		return
	}
	list, err := b.store.ListPunishments(ctx, guildID, userID)
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{"guild": guildID, "member": userID}).Error("Failed to look up punishments of joining member")
		return
	}
	now := b.clock.Now()
	for _, p := range list {
		if p.Kind != model.KindMute || !p.Active || p.Overdue(now) {
			continue
		}
		if err := b.Enforcer.Apply(ctx, p); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"guild": guildID, "member": userID, "punishment": p.ID}).Error("Failed to restore mute")
			continue
		}
		b.log.WithFields(logrus.Fields{"guild": guildID, "member": userID, "punishment": p.ID}).Info("Restored mute on rejoin")
	}
}
