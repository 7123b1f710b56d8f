// Package roles reconciles persisted role state with what members actually wear
// and runs throttled bulk role changes.
package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/discord"
	"warden/internal/modules/audit"
	"warden/internal/modules/mute"
	"warden/internal/modules/timedroles"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const memberPage = 1000

type API interface {
	Member(guildID, userID string) (*discordgo.Member, error)
	Members(guildID, after string, limit int) ([]*discordgo.Member, error)
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
}

type MuteRoles interface {
	ResolveRole(ctx context.Context, guildID string) (string, error)
	Release(ctx context.Context, guildID, userID, actionID string) error
}

type ActionStore interface {
	ListActiveActions(ctx context.Context, guildID, kind string) ([]storage.ModerationAction, error)
	SetModerationActionActive(ctx context.Context, actionID string, active bool) error
}

type TimedRoles interface {
	Expired(now time.Time) []timedroles.Entry
	Expire(ctx context.Context, id string) error
}

type Config struct {
	BatchSize  int
	ItemDelay  time.Duration
	BatchPause time.Duration
	// StripUntrackedMutes removes the mute role from members with no recorded mute.
	// Off by default so mutes applied by hand survive an audit.
	StripUntrackedMutes bool
}

type Report struct {
	ActiveMutes       int
	ExpiredMutes      int
	StaleMutes        int
	OrphanedMuteRoles int
	UntrackedMutes    int
	ExpiredTimedRoles int
	MembersScanned    int
	Errors            int
}

func (r Report) String() string {
	return fmt.Sprintf("active mutes %d, expired mutes lifted %d, stale records closed %d, untracked mute roles removed %d, untracked mute roles kept %d, timed roles expired %d, members scanned %d, errors %d",
		r.ActiveMutes, r.ExpiredMutes, r.StaleMutes, r.OrphanedMuteRoles, r.UntrackedMutes, r.ExpiredTimedRoles, r.MembersScanned, r.Errors)
}

type BulkResult struct {
	Succeeded int
	Failed    int
}

type Auditor struct {
	cfg     Config
	api     API
	mutes   MuteRoles
	actions ActionStore
	timed   TimedRoles
	audit   *audit.Logger
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, api API, mutes MuteRoles, actions ActionStore, timed TimedRoles, auditLogger *audit.Logger, logger *zap.Logger) *Auditor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Auditor{
		cfg:     cfg,
		api:     api,
		mutes:   mutes,
		actions: actions,
		timed:   timed,
		audit:   auditLogger,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Audit re-derives the expected role state from persisted records. It does not rely
// on any scheduled timer having fired.
func (a *Auditor) Audit(ctx context.Context, guildID string) (Report, error) {
	var report Report
	roleID, err := a.mutes.ResolveRole(ctx, guildID)
	if err != nil && !errors.Is(err, mute.ErrNoMuteRole) {
		return report, err
	}

	now := a.now()
	tracked := make(map[string]struct{})
	if roleID != "" {
		actions, err := a.actions.ListActiveActions(ctx, guildID, mute.ActionMute)
		if err != nil {
			return report, fmt.Errorf("list active mutes: %w", err)
		}
		for _, action := range actions {
			a.reconcileMute(ctx, guildID, roleID, action, now, &report, tracked)
		}

		if err := a.eachMember(ctx, guildID, func(member *discordgo.Member) {
			report.MembersScanned++
			if member.User == nil || !hasRole(member, roleID) {
				return
			}
			if _, ok := tracked[member.User.ID]; ok {
				return
			}
			if !a.cfg.StripUntrackedMutes {
				report.UntrackedMutes++
				return
			}
			if err := a.api.RemoveRole(guildID, member.User.ID, roleID); err != nil && !discord.IsUnknownMember(err) {
				report.Errors++
				a.logger.Warn("untracked mute role removal failed", zap.String("user_id", member.User.ID), zap.Error(err))
				return
			}
			report.OrphanedMuteRoles++
		}); err != nil {
			return report, err
		}
	}

	if a.timed != nil {
		for _, entry := range a.timed.Expired(now) {
			if entry.GuildID != guildID {
				continue
			}
			if err := a.timed.Expire(ctx, entry.ID); err != nil && !errors.Is(err, timedroles.ErrNotFound) {
				report.Errors++
				a.logger.Warn("timed role expiry failed", zap.String("entry_id", entry.ID), zap.Error(err))
				continue
			}
			report.ExpiredTimedRoles++
		}
	}

	a.audit.Log(ctx, audit.LevelInfo, guildID, "", audit.EventRoleAudit, report.String())
	return report, nil
}

func (a *Auditor) reconcileMute(ctx context.Context, guildID, roleID string, action storage.ModerationAction, now time.Time, report *Report, tracked map[string]struct{}) {
	member, err := a.api.Member(guildID, action.UserID)
	switch {
	case err != nil && discord.IsUnknownMember(err):
		a.closeAction(ctx, action, report)
		return
	case err != nil:
		report.Errors++
		a.logger.Warn("mute audit member lookup failed", zap.String("user_id", action.UserID), zap.Error(err))
		tracked[action.UserID] = struct{}{}
		return
	case !hasRole(member, roleID):
		a.closeAction(ctx, action, report)
		return
	}

	if !action.ExpiresAt.IsZero() && !action.ExpiresAt.After(now) {
		if err := a.mutes.Release(ctx, guildID, action.UserID, action.ActionID); err != nil {
			report.Errors++
			a.logger.Warn("overdue unmute failed", zap.String("user_id", action.UserID), zap.Error(err))
			tracked[action.UserID] = struct{}{}
			return
		}
		report.ExpiredMutes++
		return
	}
	report.ActiveMutes++
	tracked[action.UserID] = struct{}{}
}

func (a *Auditor) closeAction(ctx context.Context, action storage.ModerationAction, report *Report) {
	if err := a.actions.SetModerationActionActive(ctx, action.ActionID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		report.Errors++
		a.logger.Warn("stale mute update failed", zap.String("action_id", action.ActionID), zap.Error(err))
		return
	}
	report.StaleMutes++
}

// MembersWithRole lists member ids wearing roleID. An empty roleID matches everyone.
func (a *Auditor) MembersWithRole(ctx context.Context, guildID, roleID string) ([]string, error) {
	var ids []string
	err := a.eachMember(ctx, guildID, func(member *discordgo.Member) {
		if member.User == nil || member.User.Bot {
			return
		}
		if roleID == "" || hasRole(member, roleID) {
			ids = append(ids, member.User.ID)
		}
	})
	return ids, err
}

// Bulk adds or removes roleID for every user in fixed-size batches. Each call is
// throttled and a failed member is counted, never fatal.
func (a *Auditor) Bulk(ctx context.Context, guildID, roleID string, userIDs []string, add bool) (BulkResult, error) {
	var result BulkResult
	limit := rate.Inf
	if a.cfg.ItemDelay > 0 {
		limit = rate.Every(a.cfg.ItemDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for start := 0; start < len(userIDs); start += a.cfg.BatchSize {
		if start > 0 && a.cfg.BatchPause > 0 {
			if err := a.sleep(ctx, a.cfg.BatchPause); err != nil {
				return result, err
			}
		}
		end := min(start+a.cfg.BatchSize, len(userIDs))
		for _, userID := range userIDs[start:end] {
			if err := limiter.Wait(ctx); err != nil {
				return result, err
			}
			var err error
			if add {
				err = a.api.AddRole(guildID, userID, roleID)
			} else {
				err = a.api.RemoveRole(guildID, userID, roleID)
			}
			if err != nil {
				result.Failed++
				a.logger.Warn("bulk role change failed", zap.String("user_id", userID), zap.Bool("add", add), zap.Error(err))
				continue
			}
			result.Succeeded++
		}
	}

	verb := "removed from"
	if add {
		verb = "added to"
	}
	a.audit.Log(ctx, audit.LevelInfo, guildID, "", audit.EventBulkRole,
		fmt.Sprintf("role %s %s %d members (%d failed)", roleID, verb, result.Succeeded, result.Failed))
	return result, nil
}

func (a *Auditor) eachMember(ctx context.Context, guildID string, fn func(*discordgo.Member)) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := a.api.Members(guildID, after, memberPage)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		for _, member := range page {
			if member != nil {
				fn(member)
			}
		}
		if len(page) < memberPage {
			return nil
		}
		last := page[len(page)-1]
		if last == nil || last.User == nil {
			return nil
		}
		after = last.User.ID
	}
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

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
