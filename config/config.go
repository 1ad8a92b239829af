package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	defaultDatabasePath = "data/moderation.db"
	defaultConfigPath   = "data/moderation.json"
	envPrefix           = "MOD"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads the process settings from the environment (and .env when present)
// and then the moderation policy file they point to.
func Load() (*model.Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found, relying on environment variables")
	}

	cfg := &model.Config{
		BotToken:      os.Getenv("BOT_TOKEN"),
		DatabasePath:  getEnv("DATABASE_PATH", defaultDatabasePath),
		ConfigPath:    getEnv("MODERATION_CONFIG", defaultConfigPath),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogWebhookURL: os.Getenv("LOG_WEBHOOK_URL"),
		MetricsListen: os.Getenv("METRICS_LISTEN"),
	}

	moderation, err := LoadModeration(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Moderation = moderation
	return cfg, nil
}

func setDefaults(v *viper.Viper, d model.ModerationConfig) {
	v.SetDefault("mute_role_name", d.MuteRoleName)
	v.SetDefault("max_warns_before_action", d.MaxWarnsBeforeAction)
	v.SetDefault("auto_action_on_max_warns", d.AutoActionOnMaxWarns)
	v.SetDefault("auto_mute_duration", d.AutoMuteDuration)
	v.SetDefault("escalations", []map[string]interface{}{})
	v.SetDefault("require_reason", d.RequireReason)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.max_actions", d.RateLimit.MaxActions)
	v.SetDefault("rate_limit.window_seconds", d.RateLimit.WindowSeconds)
	v.SetDefault("sweep_interval_seconds", d.SweepIntervalSeconds)
	v.SetDefault("store_timeout_seconds", d.StoreTimeoutSeconds)
	v.SetDefault("stats_interval_hours", d.StatsIntervalHours)
	v.SetDefault("stats_channel_id", d.StatsChannelID)
	v.SetDefault("backup.enabled", d.Backup.Enabled)
	v.SetDefault("backup.interval_hours", d.Backup.IntervalHours)
	v.SetDefault("backup.keep_backups", d.Backup.KeepBackups)
	v.SetDefault("backup.dir", d.Backup.Dir)
}

// LoadModeration reads the moderation policy from a JSON, YAML or TOML file.
// A missing file is created with the defaults. Every key can be overridden
// from the environment, e.g. MOD_RATE_LIMIT_MAX_ACTIONS.
func LoadModeration(path string) (model.ModerationConfig, error) {
	defaults := model.DefaultModerationConfig()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefaults(path, defaults); err != nil {
			return model.ModerationConfig{}, err
		}
		logrus.WithField("path", path).Info("Moderation config not found, wrote defaults")
	}

	v := viper.New()
	setDefaults(v, defaults)
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return model.ModerationConfig{}, fmt.Errorf("failed to read moderation config %s: %w", path, err)
	}

	var cfg model.ModerationConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return model.ModerationConfig{}, fmt.Errorf("failed to decode moderation config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return model.ModerationConfig{}, fmt.Errorf("moderation config %s: %w", path, err)
	}
	return cfg, nil
}

// writeDefaults creates the policy file in the format its extension names.
func writeDefaults(path string, cfg model.ModerationConfig) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	v := viper.New()
	setDefaults(v, cfg)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write default config %s: %w", path, err)
	}
	return nil
}
