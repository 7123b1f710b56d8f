// Package filter runs every guild message through the moderation pipeline.
// The first matching rule decides the outcome.
package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/clock"
	"warden/internal/discord"
	"warden/internal/metrics"
	"warden/internal/modules/audit"
	"warden/internal/modules/mute"
	"warden/internal/utils"
	"warden/internal/violations"
	"warden/internal/wordlist"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeClean       Outcome = "clean"
	OutcomeBypass      Outcome = "bypass"
	OutcomeInvite      Outcome = "invite"
	OutcomeMediaOnly   Outcome = "media_only"
	OutcomeSevere      Outcome = "severe"
	OutcomeBlacklist   Outcome = "blacklist"
	OutcomeLink        Outcome = "link"
	OutcomeLinkAllowed Outcome = "link_allowed"
)

type Result struct {
	Outcome Outcome
	Count   int
	Muted   bool
	Words   []string
}

// Deleted reports whether the outcome removed the message.
func (r Result) Deleted() bool {
	switch r.Outcome {
	case OutcomeInvite, OutcomeMediaOnly, OutcomeSevere, OutcomeBlacklist, OutcomeLink:
		return true
	}
	return false
}

type Message struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	Content     string
	RoleIDs     []string
	Attachments int
	Embeds      int
	Bot         bool
}

// FromDiscord flattens a gateway message. Member may be nil for webhook posts.
func FromDiscord(m *discordgo.Message) Message {
	msg := Message{
		ID:          m.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		Content:     m.Content,
		Attachments: len(m.Attachments),
		Embeds:      len(m.Embeds),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.Bot = m.Author.Bot
	}
	if m.Member != nil {
		msg.RoleIDs = m.Member.Roles
	}
	return msg
}

type API interface {
	SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	DeleteMessage(channelID, messageID string) error
}

type Words interface {
	Contains(text string) wordlist.Match
}

type Tracker interface {
	Track(guildID, userID string) violations.Record
	TrackSevere(ctx context.Context, guildID, userID string) int
}

type Muter interface {
	AutoMute(ctx context.Context, req mute.Request) (bool, error)
}

type Config struct {
	BypassRoleIDs    []string
	StaffRoleIDs     []string
	Level25RoleID    string
	GeneralChannelID string
	MusicChannelID   string
	MediaChannelIDs  []string
	SevereWords      []string
	GifDomains       []string
	MusicDomains     []string
	Threshold        int
	WarningTTL       time.Duration
}

type Filter struct {
	cfg     Config
	api     API
	words   Words
	tracker Tracker
	muter   Muter
	audit   *audit.Logger
	logger  *zap.Logger
	clock   clock.Clock
	severe  []string
}

func New(cfg Config, api API, words Words, tracker Tracker, muter Muter, auditLogger *audit.Logger, logger *zap.Logger) *Filter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.WarningTTL <= 0 {
		cfg.WarningTTL = 5 * time.Second
	}
	severe := make([]string, 0, len(cfg.SevereWords))
	for _, word := range cfg.SevereWords {
		if normalized := wordlist.Normalize(word); normalized != "" {
			severe = append(severe, normalized)
		}
	}
	return &Filter{
		cfg:     cfg,
		api:     api,
		words:   words,
		tracker: tracker,
		muter:   muter,
		audit:   auditLogger,
		logger:  logger,
		clock:   clock.Real(),
		severe:  severe,
	}
}

func (f *Filter) WithClock(c clock.Clock) {
	f.clock = c
}

// Check applies the pipeline to one message. Edited messages go through the same path.
func (f *Filter) Check(ctx context.Context, msg Message) Result {
	if msg.Bot || msg.GuildID == "" || msg.AuthorID == "" {
		return Result{Outcome: OutcomeClean}
	}
	result := f.check(ctx, msg)
	if result.Outcome != OutcomeClean {
		metrics.MessagesFiltered.WithLabelValues(string(result.Outcome)).Inc()
	}
	return result
}

func (f *Filter) check(ctx context.Context, msg Message) Result {
	if hasAny(msg.RoleIDs, f.cfg.BypassRoleIDs) {
		return Result{Outcome: OutcomeBypass}
	}

	if utils.ContainsInvite(msg.Content) {
		f.delete(msg)
		rec := f.tracker.Track(msg.GuildID, msg.AuthorID)
		f.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventInviteLink,
			fmt.Sprintf("invite link removed in %s (violation %d)", msg.ChannelID, rec.Count))
		f.warn(msg, escalate(rec.Count, "Server invites are not allowed here."))
		return Result{Outcome: OutcomeInvite, Count: rec.Count, Muted: f.maybeMute(ctx, msg, rec.Count, "posting invite links")}
	}

	urls := utils.ExtractURLs(msg.Content)

	if contains(f.cfg.MediaChannelIDs, msg.ChannelID) && msg.Attachments == 0 && msg.Embeds == 0 && !f.hasGIFLink(urls) {
		f.delete(msg)
		f.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.AuthorID, audit.EventMediaOnly,
			fmt.Sprintf("text-only message removed from media channel %s", msg.ChannelID))
		f.warn(msg, "This channel is for media only. Text messages are removed.")
		return Result{Outcome: OutcomeMediaOnly}
	}

	if words := f.severeMatches(msg.Content); len(words) > 0 {
		f.delete(msg)
		count := f.tracker.TrackSevere(ctx, msg.GuildID, msg.AuthorID)
		f.audit.Log(ctx, audit.LevelCrit, msg.GuildID, msg.AuthorID, audit.EventSevereWord,
			fmt.Sprintf("severe language removed in %s (severe offense %d)", msg.ChannelID, count))
		muted, err := f.muter.AutoMute(ctx, mute.Request{
			GuildID:     msg.GuildID,
			ChannelID:   msg.ChannelID,
			UserID:      msg.AuthorID,
			Reason:      "severe language",
			Severe:      true,
			SevereCount: count,
		})
		if err != nil {
			f.logger.Warn("severe auto mute failed", zap.String("user_id", msg.AuthorID), zap.Error(err))
		}
		return Result{Outcome: OutcomeSevere, Count: count, Muted: muted, Words: words}
	}

	if match := f.words.Contains(msg.Content); match.Found {
		f.delete(msg)
		rec := f.tracker.Track(msg.GuildID, msg.AuthorID)
		f.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventBlacklistWord,
			fmt.Sprintf("blacklisted word removed in %s (violation %d): %s", msg.ChannelID, rec.Count, strings.Join(match.Words, ", ")))
		f.warn(msg, escalate(rec.Count, "Your message contained a blocked word."))
		return Result{
			Outcome: OutcomeBlacklist,
			Count:   rec.Count,
			Muted:   f.maybeMute(ctx, msg, rec.Count, "repeated blacklisted words"),
			Words:   match.Words,
		}
	}

	if len(urls) == 0 {
		return Result{Outcome: OutcomeClean}
	}
	for _, raw := range urls {
		if !f.linkAllowed(msg, raw) {
			f.delete(msg)
			f.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.AuthorID, audit.EventLinkRemoved,
				fmt.Sprintf("link removed in %s: %s", msg.ChannelID, raw))
			f.warn(msg, "Links are not allowed in this channel.")
			return Result{Outcome: OutcomeLink}
		}
	}
	return Result{Outcome: OutcomeLinkAllowed}
}

func (f *Filter) linkAllowed(msg Message, raw string) bool {
	if hasAny(msg.RoleIDs, f.cfg.StaffRoleIDs) {
		return true
	}
	if guildID, ok := utils.MessageLinkGuild(raw); ok && guildID == msg.GuildID {
		return true
	}

	_, host, err := utils.NormalizeURL(raw)
	if err != nil {
		return false
	}
	level25 := f.cfg.Level25RoleID != "" && contains(msg.RoleIDs, f.cfg.Level25RoleID)
	inGeneral := f.cfg.GeneralChannelID != "" && msg.ChannelID == f.cfg.GeneralChannelID

	switch {
	case level25 && inGeneral && utils.HostMatches(host, f.cfg.GifDomains):
		return true
	case contains(f.cfg.MediaChannelIDs, msg.ChannelID) && utils.HostMatches(host, f.cfg.GifDomains):
		return true
	case f.cfg.MusicChannelID != "" && msg.ChannelID == f.cfg.MusicChannelID && utils.HostMatches(host, f.cfg.MusicDomains):
		return true
	case level25 && inGeneral:
		return true
	}
	return false
}

func (f *Filter) maybeMute(ctx context.Context, msg Message, count int, reason string) bool {
	if count < f.cfg.Threshold {
		return false
	}
	muted, err := f.muter.AutoMute(ctx, mute.Request{
		GuildID:        msg.GuildID,
		ChannelID:      msg.ChannelID,
		UserID:         msg.AuthorID,
		Reason:         fmt.Sprintf("%s (%d violations)", reason, count),
		ViolationCount: count,
	})
	if err != nil {
		f.logger.Warn("auto mute failed", zap.String("user_id", msg.AuthorID), zap.Error(err))
	}
	return muted
}

func (f *Filter) severeMatches(content string) []string {
	if len(f.severe) == 0 {
		return nil
	}
	text := wordlist.Normalize(content)
	var found []string
	for _, word := range f.severe {
		if strings.Contains(text, word) {
			found = append(found, word)
		}
	}
	return found
}

func (f *Filter) hasGIFLink(urls []string) bool {
	for _, raw := range urls {
		if _, host, err := utils.NormalizeURL(raw); err == nil && utils.HostMatches(host, f.cfg.GifDomains) {
			return true
		}
	}
	return false
}

func (f *Filter) delete(msg Message) {
	err := f.api.DeleteMessage(msg.ChannelID, msg.ID)
	if err == nil || discord.IsUnknownMessage(err) {
		return
	}
	f.logger.Error("message delete failed", zap.String("channel_id", msg.ChannelID), zap.String("message_id", msg.ID), zap.Error(err))
}

// warn posts a mention that removes itself after WarningTTL.
func (f *Filter) warn(msg Message, text string) {
	sent, err := f.api.SendMessage(msg.ChannelID, &discordgo.MessageSend{
		Content:         fmt.Sprintf("<@%s> %s", msg.AuthorID, text),
		AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{msg.AuthorID}},
	})
	if err != nil {
		f.logger.Warn("warning send failed", zap.String("channel_id", msg.ChannelID), zap.Error(err))
		return
	}
	if sent == nil {
		return
	}
	channelID, messageID := msg.ChannelID, sent.ID
	f.clock.AfterFunc(f.cfg.WarningTTL, func() {
		if err := f.api.DeleteMessage(channelID, messageID); err != nil && !discord.IsUnknownMessage(err) {
			f.logger.Warn("warning cleanup failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	})
}

func escalate(count int, text string) string {
	if count < 2 {
		return text
	}
	return fmt.Sprintf("%s This is violation #%d. Continued violations will get you muted.", text, count)
}

func hasAny(have, want []string) bool {
	for _, id := range want {
		if contains(have, id) {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
