package model

import (
	"fmt"
	"time"
)

// Config holds the process level settings of the bot.
type Config struct {
	BotToken      string
	DatabasePath  string
	ConfigPath    string
	LogLevel      string
	LogFile       string
	LogWebhookURL string
	MetricsListen string
	Moderation    ModerationConfig
}

// RateLimitConfig throttles punitive actions per moderator.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled" json:"enabled"`
	MaxActions    int  `mapstructure:"max_actions" json:"max_actions"`
	WindowSeconds int  `mapstructure:"window_seconds" json:"window_seconds"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// EscalationRule fires an automatic action when a member's warning count reaches Threshold.
type EscalationRule struct {
	Threshold       int    `mapstructure:"threshold" json:"threshold"`
	Action          string `mapstructure:"action" json:"action"`
	DurationSeconds int    `mapstructure:"duration_seconds" json:"duration_seconds"`
}

// BackupConfig controls periodic database snapshots.
type BackupConfig struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	IntervalHours int    `mapstructure:"interval_hours" json:"interval_hours"`
	KeepBackups   int    `mapstructure:"keep_backups" json:"keep_backups"`
	Dir           string `mapstructure:"dir" json:"dir"`
}

// ModerationConfig is the already-typed policy structure handed to the engine.
type ModerationConfig struct {
	MuteRoleName         string           `mapstructure:"mute_role_name" json:"mute_role_name"`
	MaxWarnsBeforeAction int              `mapstructure:"max_warns_before_action" json:"max_warns_before_action"`
	AutoActionOnMaxWarns string           `mapstructure:"auto_action_on_max_warns" json:"auto_action_on_max_warns"`
	AutoMuteDuration     int              `mapstructure:"auto_mute_duration" json:"auto_mute_duration"`
	Escalations          []EscalationRule `mapstructure:"escalations" json:"escalations"`
	RequireReason        bool             `mapstructure:"require_reason" json:"require_reason"`
	RateLimit            RateLimitConfig  `mapstructure:"rate_limit" json:"rate_limit"`
	SweepIntervalSeconds int              `mapstructure:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	StoreTimeoutSeconds  int              `mapstructure:"store_timeout_seconds" json:"store_timeout_seconds"`
	StatsIntervalHours   int              `mapstructure:"stats_interval_hours" json:"stats_interval_hours"`
	StatsChannelID       string           `mapstructure:"stats_channel_id" json:"stats_channel_id"`
	Backup               BackupConfig     `mapstructure:"backup" json:"backup"`
}

// DefaultModerationConfig mirrors the defaults the plugin shipped with.
func DefaultModerationConfig() ModerationConfig {
	return ModerationConfig{
		MaxWarnsBeforeAction: 3,
		AutoActionOnMaxWarns: string(KindMute),
		AutoMuteDuration:     3600,
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxActions:    5,
			WindowSeconds: 60,
		},
		SweepIntervalSeconds: 60,
		StoreTimeoutSeconds:  5,
		StatsIntervalHours:   24,
		Backup: BackupConfig{
			Enabled:       true,
			IntervalHours: 24,
			KeepBackups:   3,
			Dir:           "data/backups",
		},
	}
}

func (c ModerationConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c ModerationConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c ModerationConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalHours) * time.Hour
}

func (c BackupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// Rules returns the primary escalation rule followed by the extra ladder entries.
func (c ModerationConfig) Rules() []EscalationRule {
	var rules []EscalationRule
	if c.MaxWarnsBeforeAction > 0 {
		primary := EscalationRule{
			Threshold: c.MaxWarnsBeforeAction,
			Action:    c.AutoActionOnMaxWarns,
		}
		if Kind(c.AutoActionOnMaxWarns) == KindMute {
			primary.DurationSeconds = c.AutoMuteDuration
		}
		rules = append(rules, primary)
	}
	return append(rules, c.Escalations...)
}

// Validate checks the structure before it reaches the engine.
func (c ModerationConfig) Validate() error {
	if c.MaxWarnsBeforeAction < 0 {
		return &ValidationError{Field: "max_warns_before_action", Reason: "must not be negative"}
	}
	if c.AutoMuteDuration < 0 {
		return &ValidationError{Field: "auto_mute_duration", Reason: "must not be negative"}
	}
	if c.MaxWarnsBeforeAction > 0 && Kind(c.AutoActionOnMaxWarns) == KindMute && c.AutoMuteDuration == 0 {
		return &ValidationError{Field: "auto_mute_duration", Reason: "must be positive when the auto action is mute"}
	}
	seen := make(map[int]bool)
	for i, rule := range c.Rules() {
		field := fmt.Sprintf("escalations[%d]", i)
		if rule.Threshold <= 0 {
			return &ValidationError{Field: field, Reason: "threshold must be positive"}
		}
		if seen[rule.Threshold] {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate threshold %d", rule.Threshold)}
		}
		seen[rule.Threshold] = true
		if _, err := ParseKind(rule.Action); err != nil {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown action %q", rule.Action)}
		}
		if rule.DurationSeconds < 0 {
			return &ValidationError{Field: field, Reason: "duration must not be negative"}
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxActions <= 0 {
			return &ValidationError{Field: "rate_limit.max_actions", Reason: "must be positive"}
		}
		if c.RateLimit.WindowSeconds <= 0 {
			return &ValidationError{Field: "rate_limit.window_seconds", Reason: "must be positive"}
		}
	}
	if c.SweepIntervalSeconds <= 0 {
		return &ValidationError{Field: "sweep_interval_seconds", Reason: "must be positive"}
	}
	if c.StoreTimeoutSeconds <= 0 {
		return &ValidationError{Field: "store_timeout_seconds", Reason: "must be positive"}
	}
	if c.StatsIntervalHours < 0 {
		return &ValidationError{Field: "stats_interval_hours", Reason: "must not be negative"}
	}
	if c.Backup.Enabled {
		if c.Backup.IntervalHours <= 0 {
			return &ValidationError{Field: "backup.interval_hours", Reason: "must be positive"}
		}
		if c.Backup.KeepBackups <= 0 {
			return &ValidationError{Field: "backup.keep_backups", Reason: "must be positive"}
		}
		if c.Backup.Dir == "" {
			return &ValidationError{Field: "backup.dir", Reason: "must be set"}
		}
	}
	return nil
}
