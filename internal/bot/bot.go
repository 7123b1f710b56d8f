package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/analytics"
	"warden/internal/config"
	"warden/internal/cooldown"
	"warden/internal/discord"
	"warden/internal/modules/audit"
	"warden/internal/modules/filter"
	"warden/internal/modules/mute"
	"warden/internal/modules/roles"
	"warden/internal/modules/tickets"
	"warden/internal/modules/timedroles"
	"warden/internal/scheduler"
	"warden/internal/storage"
	"warden/internal/violations"
	"warden/internal/wordlist"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const auditAggregateWindow = 10 * time.Minute

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	audit     *audit.Logger
	analytics *analytics.Service
	cooldowns cooldown.Store
	session   *discordgo.Session
	client    *discord.Client

	words     *wordlist.Cache
	tracker   *violations.Tracker
	scheduler *scheduler.Scheduler
	mutes     *mute.Escalator
	filter    *filter.Filter
	relay     *tickets.Relay
	timed     *timedroles.Manager
	roles     *roles.Auditor

	ready      atomic.Bool
	startOnce  sync.Once
	auditAgg   map[string]*auditAggregate
	auditAggMu sync.Mutex
}

type auditAggregate struct {
	channelID string
	messageID string
	count     int
	lastAt    time.Time
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, auditLogger *audit.Logger, analyticsService *analytics.Service, cooldowns cooldown.Store) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		audit:     auditLogger,
		analytics: analyticsService,
		cooldowns: cooldowns,
		session:   session,
		client:    discord.New(session),
		auditAgg:  make(map[string]*auditAggregate),
	}

	m := cfg.Moderation
	b.words = wordlist.New(store, logger.Named("wordlist"))
	b.tracker = violations.New(time.Duration(m.ViolationWindowMinutes)*time.Minute, store, logger.Named("violations"))
	b.scheduler = scheduler.New(store, logger.Named("scheduler"))

	b.mutes = mute.New(mute.Config{
		RoleID:           m.MutedRoleID,
		RoleNames:        m.MutedRoleNames,
		Threshold:        m.ViolationThreshold,
		BaseDuration:     time.Duration(m.BaseMuteMinutes) * time.Minute,
		SevereBase:       time.Duration(m.SevereMuteMinutes) * time.Minute,
		SevereMultiplier: m.SevereMultiplier,
		MaxMultiplier:    m.MaxMuteMultiplier,
		NoticeTTL:        time.Duration(m.NoticeDeleteSeconds) * time.Second,
		Color:            cfg.Notifications.EmbedColors.Warning,
	}, b.client, store, b.scheduler, auditLogger, logger.Named("mute"))
	b.mutes.WithRoleLookup(func(ctx context.Context, guildID string) string {
		return b.guildSettings(ctx, guildID).MutedRoleID
	})

	b.filter = filter.New(filter.Config{
		BypassRoleIDs:    m.BypassRoleIDs,
		StaffRoleIDs:     m.StaffRoleIDs,
		Level25RoleID:    m.Level25RoleID,
		GeneralChannelID: m.GeneralChannelID,
		MusicChannelID:   m.MusicChannelID,
		MediaChannelIDs:  m.MediaChannelIDs,
		SevereWords:      m.SevereWords,
		GifDomains:       m.GifDomains,
		MusicDomains:     m.MusicDomains,
		Threshold:        m.ViolationThreshold,
		WarningTTL:       time.Duration(m.WarningDeleteSeconds) * time.Second,
	}, b.client, b.words, b.tracker, b.mutes, auditLogger, logger.Named("filter"))

	t := cfg.Tickets
	b.relay = tickets.NewRelay(tickets.Config{
		GuildID:        cfg.GuildID,
		ChannelID:      t.ChannelID,
		Trigger:        t.TriggerCommand,
		ClosedGrace:    time.Duration(t.ClosedGraceSeconds) * time.Second,
		ReplyScanLimit: t.ReplyScanLimit,
		Color:          cfg.Notifications.EmbedColors.Action,
	}, b.client, tickets.NewStore(t.DataDir, t.OrphanWorkers, logger.Named("tickets")), auditLogger, logger.Named("relay"))

	b.timed = timedroles.NewManager(cfg.TimedRoles.DataDir, b.client, b.scheduler, auditLogger, logger.Named("timedroles"))
	b.roles = roles.New(roles.Config{
		BatchSize:  cfg.Roles.BatchSize,
		ItemDelay:  time.Duration(cfg.Roles.ItemDelayMillis) * time.Millisecond,
		BatchPause: time.Duration(cfg.Roles.BatchPauseMillis) * time.Millisecond,

		StripUntrackedMutes: cfg.Roles.StripUntrackedMutes,
	}, b.client, b.mutes, store, b.timed, auditLogger, logger.Named("roles"))

	b.scheduler.Register(mute.JobKind, b.mutes.HandleUnmute)
	b.scheduler.Register(timedroles.JobKind, b.timed.HandleExpiry)

	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if !b.cfg.Notifications.AuditToChannel {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

// Start restores file-backed state and then opens the gateway, so no event is
// handled against empty ticket or timed role maps.
func (b *Bot) Start() error {
	b.restoreLocalState()

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onDisconnect)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageUpdate)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onThreadDelete)
	b.session.AddHandler(b.onInteractionCreate)

	return b.session.Open()
}

// Ready reports whether the gateway session is identified.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.scheduler.Stop()
	if b.session != nil {
		_ = b.session.Close()
	}
}

// RunMaintenance prunes old audit rows and sweeps orphaned tickets once a day.
func (b *Bot) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.maintain(ctx)
		}
	}
}

func (b *Bot) maintain(ctx context.Context) {
	if b.cfg.RetentionDays > 0 {
		removed, err := b.store.CleanupAuditLogs(ctx, b.cfg.RetentionDays)
		if err != nil {
			b.logger.Warn("audit retention cleanup failed", zap.Error(err))
		} else if removed > 0 {
			b.logger.Info("audit logs pruned", zap.Int64("removed", removed), zap.Int("retention_days", b.cfg.RetentionDays))
		}
	}
	if _, err := b.relay.SweepOrphans(ctx, b.client); err != nil {
		b.logger.Warn("orphan ticket sweep failed", zap.Error(err))
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.ready.Store(true)
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
	b.startOnce.Do(func() {
		go b.bootstrap(context.Background())
	})
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.ready.Store(false)
	b.logger.Warn("discord gateway disconnected")
}

// restoreLocalState loads the ticket and timed role snapshots. A failed load leaves
// the store unloaded; its writes retry the load instead of replacing the file.
func (b *Bot) restoreLocalState() {
	if err := b.relay.Store().Load(); err != nil {
		b.logger.Error("ticket mappings load failed", zap.Error(err))
	}
	if err := b.timed.Load(); err != nil {
		b.logger.Error("timed roles load failed", zap.Error(err))
	}
}

// bootstrap restores in-process state once per process. Reconnects skip it.
func (b *Bot) bootstrap(ctx context.Context) {
	if err := b.words.Refresh(ctx); err != nil {
		b.logger.Error("word list load failed", zap.Error(err))
	}
	if removed, err := b.relay.SweepOrphans(ctx, b.client); err != nil {
		b.logger.Warn("orphan ticket sweep failed", zap.Error(err))
	} else if removed > 0 {
		b.logger.Info("orphan tickets cleared", zap.Int("count", removed))
	}
	if _, err := b.scheduler.Recover(ctx); err != nil {
		b.logger.Error("scheduled job recovery failed", zap.Error(err))
	}
	if err := b.registerCommands(); err != nil {
		b.logger.Error("command sync failed", zap.Error(err))
	}
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:       guildID,
		ModLogChannel: b.cfg.Moderation.ModLogChannelID,
		MutedRoleID:   b.cfg.Moderation.MutedRoleID,
		TicketChannel: b.cfg.Tickets.ChannelID,
		RetentionDays: b.cfg.RetentionDays,
	}

	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.Error(err))
		return defaults
	}
	return settings
}

// notifyAudit mirrors audit entries into the mod-log channel. Repeats of the same
// entry inside the window edit the existing embed with a counter.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	if entry.GuildID == "" {
		return
	}
	channelID := b.guildSettings(ctx, entry.GuildID).ModLogChannel
	if channelID == "" {
		return
	}

	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID

	b.auditAggMu.Lock()
	agg := b.auditAgg[key]
	if agg != nil && agg.channelID == channelID && time.Since(agg.lastAt) <= auditAggregateWindow {
		agg.count++
		agg.lastAt = time.Now()
		count := agg.count
		messageID := agg.messageID
		b.auditAggMu.Unlock()
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, b.auditEmbed(entry, count)); err == nil {
			return
		}
		b.auditAggMu.Lock()
		delete(b.auditAgg, key)
	}
	b.auditAggMu.Unlock()

	msg, err := b.client.SendMessage(channelID, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{b.auditEmbed(entry, 1)}})
	if err != nil || msg == nil {
		if err != nil && !discord.IsGone(err) {
			b.logger.Warn("mod-log post failed", zap.String("channel_id", channelID), zap.Error(err))
		}
		return
	}
	b.auditAggMu.Lock()
	b.auditAgg[key] = &auditAggregate{channelID: channelID, messageID: msg.ID, count: 1, lastAt: time.Now()}
	for k, a := range b.auditAgg {
		if time.Since(a.lastAt) > auditAggregateWindow {
			delete(b.auditAgg, k)
		}
	}
	b.auditAggMu.Unlock()
}

func (b *Bot) auditEmbed(entry storage.AuditLog, count int) *discordgo.MessageEmbed {
	color := b.cfg.Notifications.EmbedColors.Action
	switch entry.Level {
	case audit.LevelWarn:
		color = b.cfg.Notifications.EmbedColors.Warning
	case audit.LevelCrit:
		color = b.cfg.Notifications.EmbedColors.Error
	}
	title := eventLabel(entry.Event)
	if count > 1 {
		title = fmt.Sprintf("%s (x%d)", title, count)
	}
	fields := []*discordgo.MessageEmbedField{{Name: "Level", Value: entry.Level, Inline: true}}
	if entry.UserID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Member", Value: "<@" + entry.UserID + ">", Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: truncate(entry.Details, 1024),
		Color:       color,
		Fields:      fields,
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
	}
}

func eventLabel(event string) string {
	switch event {
	case audit.EventInviteLink:
		return "Invite link removed"
	case audit.EventMediaOnly:
		return "Media-only violation"
	case audit.EventSevereWord:
		return "Severe language"
	case audit.EventBlacklistWord:
		return "Blacklisted word"
	case audit.EventLinkRemoved:
		return "Link removed"
	case audit.EventAutoMute:
		return "Member muted"
	case audit.EventUnmute:
		return "Member unmuted"
	case audit.EventTicketOpened:
		return "Ticket opened"
	case audit.EventTicketClosed:
		return "Ticket closed"
	case audit.EventTicketOrphaned:
		return "Ticket orphaned"
	case audit.EventWordListChange:
		return "Word list changed"
	case audit.EventRoleAudit:
		return "Role audit"
	case audit.EventTimedRole:
		return "Timed role"
	case audit.EventBulkRole:
		return "Bulk role update"
	case audit.EventViolationReset:
		return "Violations reset"
	default:
		return strings.ReplaceAll(event, "_", " ")
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
