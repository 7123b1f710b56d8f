package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken  string           `yaml:"discord_token"`
	DatabaseURL   string           `yaml:"database_url"`
	LogLevel      string           `yaml:"log_level"`
	LogFile       LogFileConfig    `yaml:"log_file"`
	GuildID       string           `yaml:"guild_id"`
	RetentionDays int              `yaml:"retention_days"`
	Health        HealthConfig     `yaml:"health"`
	Redis         RedisConfig      `yaml:"redis"`
	Moderation    ModerationConfig `yaml:"moderation"`
	Tickets       TicketConfig     `yaml:"tickets"`
	TimedRoles    TimedRoleConfig  `yaml:"timed_roles"`
	Roles         RolesConfig      `yaml:"roles"`
	Cooldowns     CooldownConfig   `yaml:"cooldowns"`
	Notifications NotifyConfig     `yaml:"notifications"`
}

type LogFileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type HealthConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Addr                string `yaml:"addr"`
	MemoryCheckSeconds  int    `yaml:"memory_check_seconds"`
	MemoryWarnMegabytes int    `yaml:"memory_warn_megabytes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ModerationConfig struct {
	BypassRoleIDs          []string `yaml:"bypass_role_ids"`
	StaffRoleIDs           []string `yaml:"staff_role_ids"`
	Level25RoleID          string   `yaml:"level25_role_id"`
	MutedRoleID            string   `yaml:"muted_role_id"`
	MutedRoleNames         []string `yaml:"muted_role_names"`
	ModLogChannelID        string   `yaml:"mod_log_channel_id"`
	GeneralChannelID       string   `yaml:"general_channel_id"`
	MusicChannelID         string   `yaml:"music_channel_id"`
	MediaChannelIDs        []string `yaml:"media_channel_ids"`
	SevereWords            []string `yaml:"severe_words"`
	GifDomains             []string `yaml:"gif_domains"`
	MusicDomains           []string `yaml:"music_domains"`
	ViolationThreshold     int      `yaml:"violation_threshold"`
	ViolationWindowMinutes int      `yaml:"violation_window_minutes"`
	BaseMuteMinutes        int      `yaml:"base_mute_minutes"`
	SevereMuteMinutes      int      `yaml:"severe_mute_minutes"`
	SevereMultiplier       int      `yaml:"severe_multiplier"`
	MaxMuteMultiplier      int      `yaml:"max_mute_multiplier"`
	WarningDeleteSeconds   int      `yaml:"warning_delete_seconds"`
	NoticeDeleteSeconds    int      `yaml:"notice_delete_seconds"`
}

type TicketConfig struct {
	ChannelID          string `yaml:"channel_id"`
	DataDir            string `yaml:"data_dir"`
	TriggerCommand     string `yaml:"trigger_command"`
	ClosedGraceSeconds int    `yaml:"closed_grace_seconds"`
	ReplyScanLimit     int    `yaml:"reply_scan_limit"`
	OrphanWorkers      int    `yaml:"orphan_workers"`
}

type TimedRoleConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RolesConfig struct {
	BatchSize           int  `yaml:"batch_size"`
	ItemDelayMillis     int  `yaml:"item_delay_millis"`
	BatchPauseMillis    int  `yaml:"batch_pause_millis"`
	StripUntrackedMutes bool `yaml:"strip_untracked_mutes"`
}

type CooldownConfig struct {
	CommandSeconds int `yaml:"command_seconds"`
	TicketSeconds  int `yaml:"ticket_seconds"`
}

type NotifyConfig struct {
	AuditToChannel bool        `yaml:"audit_to_channel"`
	EmbedColors    EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabaseURL:   "/data/warden.db",
		LogLevel:      "info",
		LogFile:       LogFileConfig{Enabled: false, Path: "logs/warden.log", MaxSize: 50, MaxBackups: 5, MaxAge: 14, Compress: true},
		RetentionDays: 30,
		Health:        HealthConfig{Enabled: false, Addr: ":8080", MemoryCheckSeconds: 60, MemoryWarnMegabytes: 512},
		Moderation: ModerationConfig{
			MutedRoleNames:         []string{"Muted", "Timeout"},
			GifDomains:             []string{"tenor.com", "giphy.com"},
			MusicDomains:           []string{"open.spotify.com", "spotify.com", "music.apple.com", "soundcloud.com", "youtube.com", "youtu.be", "music.youtube.com", "deezer.com"},
			ViolationThreshold:     3,
			ViolationWindowMinutes: 10,
			BaseMuteMinutes:        10,
			SevereMuteMinutes:      60,
			SevereMultiplier:       2,
			MaxMuteMultiplier:      5,
			WarningDeleteSeconds:   5,
			NoticeDeleteSeconds:    10,
		},
		Tickets: TicketConfig{
			DataDir:            "data",
			TriggerCommand:     "!ticket",
			ClosedGraceSeconds: 120,
			ReplyScanLimit:     50,
			OrphanWorkers:      4,
		},
		TimedRoles: TimedRoleConfig{DataDir: "data"},
		Roles:      RolesConfig{BatchSize: 10, ItemDelayMillis: 1000, BatchPauseMillis: 5000},
		Cooldowns:  CooldownConfig{CommandSeconds: 3, TicketSeconds: 30},
		Notifications: NotifyConfig{
			AuditToChannel: true,
			EmbedColors: EmbedColors{
				Action:  0xF59E0B,
				Warning: 0xEF4444,
				Error:   0xF97316,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	normalize(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile.Enabled = envBool("LOG_FILE_ENABLED", cfg.LogFile.Enabled)
	cfg.LogFile.Path = envString("LOG_FILE_PATH", cfg.LogFile.Path)
	cfg.GuildID = envString("GUILD_ID", cfg.GuildID)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Health.MemoryWarnMegabytes = envInt("MEMORY_WARN_MB", cfg.Health.MemoryWarnMegabytes)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Moderation.BypassRoleIDs = envList("BYPASS_ROLE_IDS", cfg.Moderation.BypassRoleIDs)
	cfg.Moderation.StaffRoleIDs = envList("STAFF_ROLE_IDS", cfg.Moderation.StaffRoleIDs)
	cfg.Moderation.Level25RoleID = envString("LEVEL25_ROLE_ID", cfg.Moderation.Level25RoleID)
	cfg.Moderation.MutedRoleID = envString("MUTED_ROLE_ID", cfg.Moderation.MutedRoleID)
	cfg.Moderation.ModLogChannelID = envString("MOD_LOG_CHANNEL_ID", cfg.Moderation.ModLogChannelID)
	cfg.Moderation.GeneralChannelID = envString("GENERAL_CHANNEL_ID", cfg.Moderation.GeneralChannelID)
	cfg.Moderation.MusicChannelID = envString("MUSIC_CHANNEL_ID", cfg.Moderation.MusicChannelID)
	cfg.Moderation.MediaChannelIDs = envList("MEDIA_CHANNEL_IDS", cfg.Moderation.MediaChannelIDs)
	cfg.Moderation.SevereWords = envList("SEVERE_WORDS", cfg.Moderation.SevereWords)
	cfg.Moderation.ViolationThreshold = envInt("VIOLATION_THRESHOLD", cfg.Moderation.ViolationThreshold)
	cfg.Moderation.BaseMuteMinutes = envInt("BASE_MUTE_MINUTES", cfg.Moderation.BaseMuteMinutes)
	cfg.Moderation.SevereMuteMinutes = envInt("SEVERE_MUTE_MINUTES", cfg.Moderation.SevereMuteMinutes)
	cfg.Tickets.ChannelID = envString("TICKET_CHANNEL_ID", cfg.Tickets.ChannelID)
	cfg.Tickets.DataDir = envString("TICKET_DATA_DIR", cfg.Tickets.DataDir)
	cfg.Tickets.TriggerCommand = envString("TICKET_TRIGGER", cfg.Tickets.TriggerCommand)
	cfg.TimedRoles.DataDir = envString("TIMED_ROLES_DATA_DIR", cfg.TimedRoles.DataDir)
	cfg.Roles.StripUntrackedMutes = envBool("STRIP_UNTRACKED_MUTES", cfg.Roles.StripUntrackedMutes)
	cfg.Cooldowns.CommandSeconds = envInt("COMMAND_COOLDOWN_SECONDS", cfg.Cooldowns.CommandSeconds)
	cfg.Notifications.AuditToChannel = envBool("AUDIT_TO_CHANNEL", cfg.Notifications.AuditToChannel)
	cfg.Notifications.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.Notifications.EmbedColors.Action)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
}

// normalize clamps values a broken file or env could set to something unusable.
func normalize(cfg *Config) {
	defaults := DefaultConfig()
	m := &cfg.Moderation
	if m.ViolationThreshold <= 0 {
		m.ViolationThreshold = defaults.Moderation.ViolationThreshold
	}
	if m.ViolationWindowMinutes <= 0 {
		m.ViolationWindowMinutes = defaults.Moderation.ViolationWindowMinutes
	}
	if m.BaseMuteMinutes <= 0 {
		m.BaseMuteMinutes = defaults.Moderation.BaseMuteMinutes
	}
	if m.SevereMuteMinutes <= 0 {
		m.SevereMuteMinutes = defaults.Moderation.SevereMuteMinutes
	}
	if m.SevereMultiplier < 1 {
		m.SevereMultiplier = defaults.Moderation.SevereMultiplier
	}
	if m.MaxMuteMultiplier < 1 {
		m.MaxMuteMultiplier = defaults.Moderation.MaxMuteMultiplier
	}
	if len(m.MutedRoleNames) == 0 {
		m.MutedRoleNames = defaults.Moderation.MutedRoleNames
	}
	if cfg.Tickets.TriggerCommand == "" {
		cfg.Tickets.TriggerCommand = defaults.Tickets.TriggerCommand
	}
	if cfg.Tickets.ClosedGraceSeconds <= 0 {
		cfg.Tickets.ClosedGraceSeconds = defaults.Tickets.ClosedGraceSeconds
	}
	if cfg.Roles.BatchSize <= 0 {
		cfg.Roles.BatchSize = defaults.Roles.BatchSize
	}
}

func BuildLogger(level string, file LogFileConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if !file.Enabled || file.Path == "" {
		return logger, nil
	}

	rotating := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSize,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAge,
		Compress:   file.Compress,
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(rotating), cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

// envList reads a comma separated list; blanks are dropped.
func envList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
