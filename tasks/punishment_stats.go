package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/bwmarrin/discordgo"
)

// StatsSource reads aggregated moderation activity.
type StatsSource interface {
	ModeratorStats(ctx context.Context, communityID string, since time.Time) (map[string]int, error)
	ActionCounts(ctx context.Context, communityID string, since time.Time) (map[string]int, error)
}

type ModeratorCount struct {
	ModeratorID string
	Count       int
}

// PunishmentStats is the activity of one community over a period.
type PunishmentStats struct {
	CommunityID string
	Period      time.Duration
	GeneratedAt time.Time
	Total       int
	Actions     map[string]int
	Moderators  []ModeratorCount
}

// CollectPunishmentStats aggregates the log entries written during the period before now.
func CollectPunishmentStats(ctx context.Context, src StatsSource, communityID string, period time.Duration, now time.Time) (*PunishmentStats, error) {
	since := now.Add(-period)
	stats, err := src.ModeratorStats(ctx, communityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get moderator stats for community %s: %w", communityID, err)
	}
	actions, err := src.ActionCounts(ctx, communityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get action counts for community %s: %w", communityID, err)
	}

	report := &PunishmentStats{
		CommunityID: communityID,
		Period:      period,
		GeneratedAt: now,
		Actions:     actions,
	}
	for moderatorID, count := range stats {
		report.Moderators = append(report.Moderators, ModeratorCount{ModeratorID: moderatorID, Count: count})
		report.Total += count
	}
	sort.Slice(report.Moderators, func(i, j int) bool {
		if report.Moderators[i].Count != report.Moderators[j].Count {
			return report.Moderators[i].Count > report.Moderators[j].Count
		}
		return report.Moderators[i].ModeratorID < report.Moderators[j].ModeratorID
	})
	return report, nil
}

func (s *PunishmentStats) actionLine() string {
	keys := make([]string, 0, len(s.Actions))
	for k := range s.Actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, s.Actions[k]))
	}
	return strings.Join(parts, ", ")
}

// Text renders the report for the terminal.
func (s *PunishmentStats) Text() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Moderation activity in %s over the last %s\n", s.CommunityID, s.Period))
	builder.WriteString(fmt.Sprintf("Total: %d\n", s.Total))
	if line := s.actionLine(); line != "" {
		builder.WriteString(fmt.Sprintf("Actions: %s\n", line))
	}
	for i, m := range s.Moderators {
		name := m.ModeratorID
		if name == model.SystemModerator {
			name = "automatic"
		}
		builder.WriteString(fmt.Sprintf("%d. %s: %d\n", i+1, name, m.Count))
	}
	return builder.String()
}

// Embed renders the report as a Discord embed.
func (s *PunishmentStats) Embed() *discordgo.MessageEmbed {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("### Last %s\n", s.Period))
	builder.WriteString(fmt.Sprintf("**Total: %d**\n", s.Total))
	if line := s.actionLine(); line != "" {
		builder.WriteString(fmt.Sprintf("%s\n", line))
	}
	builder.WriteString("\n**Moderators:**\n")
	for i, m := range s.Moderators {
		mention := fmt.Sprintf("<@%s>", m.ModeratorID)
		if m.ModeratorID == model.SystemModerator {
			mention = "automatic"
		}
		builder.WriteString(fmt.Sprintf("%d. %s: %d\n", i+1, mention, m.Count))
	}

	return &discordgo.MessageEmbed{
		Title:       "Moderation stats",
		Description: builder.String(),
		Timestamp:   s.GeneratedAt.Format(time.RFC3339),
		Color:       0x00ff00,
	}
}
