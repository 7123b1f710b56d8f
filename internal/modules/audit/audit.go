package audit

import (
	"context"
	"time"

	"warden/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Event names persisted in audit_logs and counted by analytics.
const (
	EventInviteLink     = "invite_link"
	EventMediaOnly      = "media_only"
	EventSevereWord     = "severe_word"
	EventBlacklistWord  = "blacklist_word"
	EventLinkRemoved    = "link_removed"
	EventAutoMute       = "auto_mute"
	EventUnmute         = "unmute"
	EventTicketOpened   = "ticket_opened"
	EventTicketClosed   = "ticket_closed"
	EventTicketOrphaned = "ticket_orphaned"
	EventWordListChange = "word_list_change"
	EventRoleAudit      = "role_audit"
	EventTimedRole      = "timed_role"
	EventBulkRole       = "bulk_role"
	EventViolationReset = "violation_reset"
)

type Sink interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

type Logger struct {
	store  Sink
	logger *zap.Logger
	notify func(context.Context, storage.AuditLog)
}

func NewLogger(store Sink, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

func (l *Logger) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	l.notify = notify
}

// Log is safe on a nil receiver so modules can run without auditing in tests.
func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	if l == nil {
		return
	}
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if l.store != nil {
		if err := l.store.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit persist failed", zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	l.logger.Info("audit", zap.String("level", level), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("event", event), zap.String("details", details))
}
