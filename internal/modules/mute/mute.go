package mute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/clock"
	"warden/internal/discord"
	"warden/internal/metrics"
	"warden/internal/modules/audit"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	JobKind    = "unmute"
	ActionMute = "mute"

	// severe mutes double per repeat; past this they stop growing
	maxDuration = 365 * 24 * time.Hour
)

var ErrNoMuteRole = errors.New("mute: no muted role in guild")

type API interface {
	Roles(guildID string) ([]*discordgo.Role, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
	SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	DeleteMessage(channelID, messageID string) error
}

type ActionStore interface {
	CreateModerationAction(ctx context.Context, action storage.ModerationAction) (storage.ModerationAction, error)
	SetModerationActionActive(ctx context.Context, actionID string, active bool) error
}

type Scheduler interface {
	Schedule(ctx context.Context, kind, guildID, userID, payload string, runAt time.Time) (storage.ScheduledJob, error)
	CancelFor(ctx context.Context, kind, guildID, userID string) ([]storage.ScheduledJob, error)
}

type Config struct {
	RoleID           string
	RoleNames        []string
	Threshold        int
	BaseDuration     time.Duration
	SevereBase       time.Duration
	SevereMultiplier int
	MaxMultiplier    int
	NoticeTTL        time.Duration
	Color            int
}

func DefaultConfig() Config {
	return Config{
		RoleNames:        []string{"Muted", "Timeout"},
		Threshold:        3,
		BaseDuration:     10 * time.Minute,
		SevereBase:       time.Hour,
		SevereMultiplier: 2,
		MaxMultiplier:    5,
		NoticeTTL:        10 * time.Second,
		Color:            0xEF4444,
	}
}

type Request struct {
	GuildID        string
	ChannelID      string
	UserID         string
	Reason         string
	ViolationCount int
	Severe         bool
	SevereCount    int
}

type Escalator struct {
	cfg        Config
	api        API
	actions    ActionStore
	scheduler  Scheduler
	audit      *audit.Logger
	logger     *zap.Logger
	clock      clock.Clock
	roleLookup func(ctx context.Context, guildID string) string
}

func New(cfg Config, api API, actions ActionStore, scheduler Scheduler, auditLogger *audit.Logger, logger *zap.Logger) *Escalator {
	return &Escalator{
		cfg:       cfg,
		api:       api,
		actions:   actions,
		scheduler: scheduler,
		audit:     auditLogger,
		logger:    logger,
		clock:     clock.Real(),
	}
}

func (e *Escalator) WithClock(c clock.Clock) {
	e.clock = c
}

// WithRoleLookup lets per-guild settings override the configured mute role.
func (e *Escalator) WithRoleLookup(lookup func(ctx context.Context, guildID string) string) {
	e.roleLookup = lookup
}

func (e *Escalator) Threshold() int {
	return e.cfg.Threshold
}

// Duration is linear for ordinary violations (capped) and exponential in the
// lifetime severe count for severe ones.
func (e *Escalator) Duration(violationCount int, severe bool, severeCount int) time.Duration {
	if severe {
		if severeCount < 1 {
			severeCount = 1
		}
		d := e.cfg.SevereBase
		mult := time.Duration(e.cfg.SevereMultiplier)
		for i := 1; i < severeCount; i++ {
			if mult <= 1 {
				break
			}
			if d > maxDuration/mult {
				return maxDuration
			}
			d *= mult
		}
		return d
	}

	factor := violationCount - e.cfg.Threshold + 1
	if factor < 1 {
		factor = 1
	}
	if factor > e.cfg.MaxMultiplier {
		factor = e.cfg.MaxMultiplier
	}
	return e.cfg.BaseDuration * time.Duration(factor)
}

// AutoMute applies the mute role, records the action and schedules its removal.
// It returns false when the mute could not be applied.
func (e *Escalator) AutoMute(ctx context.Context, req Request) (bool, error) {
	roleID, err := e.ResolveRole(ctx, req.GuildID)
	if err != nil {
		e.logger.Error("auto mute aborted", zap.String("guild_id", req.GuildID), zap.String("user_id", req.UserID), zap.Error(err))
		return false, err
	}
	if err := e.api.AddRole(req.GuildID, req.UserID, roleID); err != nil {
		e.logger.Error("mute role add failed", zap.String("guild_id", req.GuildID), zap.String("user_id", req.UserID), zap.Error(err))
		return false, fmt.Errorf("add mute role: %w", err)
	}

	duration := e.Duration(req.ViolationCount, req.Severe, req.SevereCount)
	now := e.clock.Now()

	// a fresh mute supersedes whatever unmute was pending
	if superseded, err := e.scheduler.CancelFor(ctx, JobKind, req.GuildID, req.UserID); err != nil {
		e.logger.Warn("cancel previous unmute failed", zap.String("user_id", req.UserID), zap.Error(err))
	} else {
		for _, job := range superseded {
			if job.Payload == "" {
				continue
			}
			if err := e.actions.SetModerationActionActive(ctx, job.Payload, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
				e.logger.Warn("superseded mute update failed", zap.String("action_id", job.Payload), zap.Error(err))
			}
		}
	}

	action, err := e.actions.CreateModerationAction(ctx, storage.ModerationAction{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		ModeratorID: "system",
		Action:      ActionMute,
		Reason:      req.Reason,
		Duration:    duration,
		Active:      true,
		CreatedAt:   now,
	})
	if err != nil {
		e.logger.Error("moderation action persist failed", zap.String("user_id", req.UserID), zap.Error(err))
	}

	if _, err := e.scheduler.Schedule(ctx, JobKind, req.GuildID, req.UserID, action.ActionID, now.Add(duration)); err != nil {
		e.logger.Error("unmute schedule failed", zap.String("user_id", req.UserID), zap.Error(err))
	}

	kind := "ordinary"
	level := audit.LevelWarn
	if req.Severe {
		kind = "severe"
		level = audit.LevelCrit
	}
	metrics.MutesApplied.WithLabelValues(kind).Inc()
	e.audit.Log(ctx, level, req.GuildID, req.UserID, audit.EventAutoMute,
		fmt.Sprintf("%s mute for %s: %s", kind, duration, req.Reason))

	if req.ChannelID != "" {
		e.postNotice(req, duration)
	}
	return true, nil
}

// HandleUnmute is the scheduler handler for JobKind. The payload is the action id.
func (e *Escalator) HandleUnmute(ctx context.Context, job storage.ScheduledJob) error {
	return e.Release(ctx, job.GuildID, job.UserID, job.Payload)
}

// Release removes the mute role if the member still has it and marks the action
// inactive. A departed member or a role already removed by hand is not an error.
func (e *Escalator) Release(ctx context.Context, guildID, userID, actionID string) error {
	roleID, err := e.ResolveRole(ctx, guildID)
	if err != nil {
		return err
	}

	member, err := e.api.Member(guildID, userID)
	switch {
	case err != nil && discord.IsUnknownMember(err):
	case err != nil:
		return fmt.Errorf("fetch member: %w", err)
	case hasRole(member, roleID):
		if err := e.api.RemoveRole(guildID, userID, roleID); err != nil && !discord.IsUnknownMember(err) {
			return fmt.Errorf("remove mute role: %w", err)
		}
	}

	if actionID != "" {
		if err := e.actions.SetModerationActionActive(ctx, actionID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deactivate action: %w", err)
		}
	}
	metrics.Unmutes.Inc()
	e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventUnmute, "mute expired")
	return nil
}

// ResolveRole prefers the guild override, then the configured id, then a role named like RoleNames.
func (e *Escalator) ResolveRole(ctx context.Context, guildID string) (string, error) {
	if e.roleLookup != nil {
		if id := e.roleLookup(ctx, guildID); id != "" {
			return id, nil
		}
	}
	if e.cfg.RoleID != "" {
		return e.cfg.RoleID, nil
	}
	roles, err := e.api.Roles(guildID)
	if err != nil {
		return "", fmt.Errorf("list roles: %w", err)
	}
	for _, name := range e.cfg.RoleNames {
		for _, role := range roles {
			if role != nil && strings.EqualFold(role.Name, name) {
				return role.ID, nil
			}
		}
	}
	return "", ErrNoMuteRole
}

func (e *Escalator) postNotice(req Request, duration time.Duration) {
	title := "Member muted"
	if req.Severe {
		title = "Member muted (severe)"
	}
	msg, err := e.api.SendMessage(req.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: fmt.Sprintf("<@%s> has been muted for %s.", req.UserID, formatDuration(duration)),
			Color:       e.cfg.Color,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Reason", Value: req.Reason, Inline: false},
			},
			Timestamp: e.clock.Now().Format(time.RFC3339),
		}},
	})
	if err != nil || msg == nil {
		if err != nil {
			e.logger.Warn("mute notice failed", zap.String("channel_id", req.ChannelID), zap.Error(err))
		}
		return
	}
	channelID, messageID := msg.ChannelID, msg.ID
	if channelID == "" {
		channelID = req.ChannelID
	}
	e.clock.AfterFunc(e.cfg.NoticeTTL, func() {
		if err := e.api.DeleteMessage(channelID, messageID); err != nil && !discord.IsUnknownMessage(err) {
			e.logger.Warn("mute notice cleanup failed", zap.Error(err))
		}
	})
}

func hasRole(member *discordgo.Member, roleID string) bool {
	if member == nil {
		return false
	}
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return d.String()
	}
}
