package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// DefaultMuteRoleName is used for mutes that cannot be expressed as a timeout.
const DefaultMuteRoleName = "Muted"

// banDeleteMessageDays is how much of a banned member's message history is removed.
const banDeleteMessageDays = 1

// maxTimeout is the longest communication timeout Discord accepts.
const maxTimeout = 28 * 24 * time.Hour

// mutedDeny is denied to the mute role in every channel.
const mutedDeny = discordgo.PermissionSendMessages |
	discordgo.PermissionSendMessagesInThreads |
	discordgo.PermissionAddReactions |
	discordgo.PermissionVoiceSpeak

// guildAPI is the part of *discordgo.Session the enforcer uses.
type guildAPI interface {
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
	GuildBanDelete(guildID, userID string, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildMemberTimeout(guildID, userID string, until *time.Time, options ...discordgo.RequestOption) error
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
}

// DiscordEnforcer mirrors committed punishments onto a Discord guild. It never
// decides anything; the database record is authoritative.
type DiscordEnforcer struct {
	api          guildAPI
	muteRoleName string
	clock        clock.Clock
	log          logrus.FieldLogger
	roles        *xsync.MapOf[string, string] // guild ID -> mute role ID
}

func NewDiscordEnforcer(api guildAPI, muteRoleName string, clk clock.Clock, logger logrus.FieldLogger) *DiscordEnforcer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DiscordEnforcer{
		api:          api,
		muteRoleName: muteRoleName,
		clock:        clk,
		log:          logger.WithField("component", "enforcer"),
		roles:        xsync.NewMapOf[string, string](),
	}
}

func auditReason(p model.Punishment) string {
	reason := fmt.Sprintf("%s #%d by %s", p.Kind, p.ID, p.ModeratorID)
	if p.Reason != "" {
		reason += ": " + p.Reason
	}
	// audit log reasons are capped at 512 characters
	if r := []rune(reason); len(r) > 512 {
		reason = string(r[:512])
	}
	return reason
}

func (e *DiscordEnforcer) Apply(ctx context.Context, p model.Punishment) error {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx), discordgo.WithAuditLogReason(auditReason(p))}
	switch p.Kind {
	case model.KindBan:
		return e.api.GuildBanCreateWithReason(p.CommunityID, p.MemberID, auditReason(p), banDeleteMessageDays, discordgo.WithContext(ctx))
	case model.KindKick:
		return e.api.GuildMemberDeleteWithReason(p.CommunityID, p.MemberID, auditReason(p), discordgo.WithContext(ctx))
	case model.KindMute:
		if e.useTimeout(p) {
			return e.api.GuildMemberTimeout(p.CommunityID, p.MemberID, p.ExpiresAt, opts...)
		}
		roleID, err := e.muteRole(ctx, p.CommunityID, true)
		if err != nil {
			return err
		}
		return e.api.GuildMemberRoleAdd(p.CommunityID, p.MemberID, roleID, opts...)
	}
	return fmt.Errorf("unsupported punishment kind %q", p.Kind)
}

func (e *DiscordEnforcer) Revert(ctx context.Context, p model.Punishment) error {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	switch p.Kind {
	case model.KindBan:
		return e.api.GuildBanDelete(p.CommunityID, p.MemberID, opts...)
	case model.KindKick:
		return nil
	case model.KindMute:
		var errs []error
		roleID, err := e.muteRole(ctx, p.CommunityID, false)
		switch {
		case err != nil:
			errs = append(errs, err)
		case roleID != "":
			errs = append(errs, e.api.GuildMemberRoleRemove(p.CommunityID, p.MemberID, roleID, opts...))
		}
		if e.muteRoleName == "" {
			errs = append(errs, e.api.GuildMemberTimeout(p.CommunityID, p.MemberID, nil, opts...))
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("unsupported punishment kind %q", p.Kind)
}

// useTimeout reports whether a mute can be a native timeout: only when no mute
// role is configured and the mute ends within Discord's limit.
func (e *DiscordEnforcer) useTimeout(p model.Punishment) bool {
	if e.muteRoleName != "" || p.ExpiresAt == nil {
		return false
	}
	return p.ExpiresAt.Sub(e.clock.Now()) <= maxTimeout
}

func (e *DiscordEnforcer) roleName() string {
	if e.muteRoleName != "" {
		return e.muteRoleName
	}
	return DefaultMuteRoleName
}

// muteRole finds the mute role of a guild by name, creating it when create is set.
// It returns an empty ID when the role does not exist and create is false.
func (e *DiscordEnforcer) muteRole(ctx context.Context, guildID string, create bool) (string, error) {
	if id, ok := e.roles.Load(guildID); ok {
		return id, nil
	}

	name := e.roleName()
	roles, err := e.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to list roles of guild %s: %w", guildID, err)
	}
	for _, r := range roles {
		if strings.EqualFold(r.Name, name) {
			e.roles.Store(guildID, r.ID)
			return r.ID, nil
		}
	}
	if !create {
		return "", nil
	}

	perms := int64(0)
	mentionable := false
	role, err := e.api.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        name,
		Permissions: &perms,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create mute role in guild %s: %w", guildID, err)
	}
	e.roles.Store(guildID, role.ID)
	e.log.WithFields(logrus.Fields{"guild": guildID, "role": role.ID}).Info("Created mute role")
	e.denyInChannels(ctx, guildID, role.ID)
	return role.ID, nil
}

// denyInChannels writes the mute overwrite on every channel. Failures are
// logged; the role itself is already usable.
func (e *DiscordEnforcer) denyInChannels(ctx context.Context, guildID, roleID string) {
	channels, err := e.api.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		e.log.WithError(err).WithField("guild", guildID).Warn("Failed to list channels for mute role")
		return
	}
	for _, ch := range channels {
		err := e.api.ChannelPermissionSet(ch.ID, roleID, discordgo.PermissionOverwriteTypeRole, 0, mutedDeny, discordgo.WithContext(ctx))
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"guild": guildID, "channel": ch.ID}).Warn("Failed to set mute overwrite")
		}
	}
}
