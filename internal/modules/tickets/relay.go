// Package tickets relays support conversations between a member's DMs and a
// per-member staff thread.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"warden/internal/clock"
	"warden/internal/metrics"
	"warden/internal/modules/audit"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type State string

const (
	StateNoTicket        State = "no_ticket"
	StatePendingCreation State = "pending_creation"
	StateHasThread       State = "has_thread"
	StateRecentlyClosed  State = "recently_closed"
)

// Outcome says what happened to one inbound DM.
type Outcome string

const (
	OutcomeDeterred    Outcome = "deterred"
	OutcomeQueued      Outcome = "queued"
	OutcomeOpened      Outcome = "opened"
	OutcomeRelayed     Outcome = "relayed"
	OutcomeWait        Outcome = "wait"
	OutcomeFailed      Outcome = "failed"
	OutcomeUndelivered Outcome = "undelivered"
	OutcomeStaffNote   Outcome = "staff_note"
)

var ErrNoTicket = errors.New("tickets: no ticket for thread")

const (
	deterrentText = "This inbox is for support tickets. Send `%s` followed by your question to open one."
	waitText      = "Your previous ticket was just closed. Please wait a moment before opening a new one."
	openedText    = "Your ticket is open. Staff will answer here, and anything you send in this DM is forwarded to them."
	openFailText  = "Sorry, a ticket could not be opened right now. Please try again later."
	closedDMText  = "Your ticket has been closed."
	undelivered   = "This reply could not be delivered to the member. They may have DMs disabled."
)

type API interface {
	SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	SendDM(userID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	StartThread(channelID, name string) (*discordgo.Channel, error)
	EditChannel(channelID string, edit *discordgo.ChannelEdit) (*discordgo.Channel, error)
	Messages(channelID string, limit int) ([]*discordgo.Message, error)
	BotID() string
}

type Config struct {
	GuildID        string
	ChannelID      string
	Trigger        string
	ClosedGrace    time.Duration
	ReplyScanLimit int
	NotePrefix     string
	Color          int
}

type Attachment struct {
	Filename string
	URL      string
}

// Reference is the message a reply points at, as far as the gateway tells us.
type Reference struct {
	AuthorID string
	Content  string
}

type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []Attachment
	Reply       *Reference
	Forwarded   bool
}

// FromDiscord flattens a gateway message. A reference without a resolved parent in
// another channel is treated as a forward.
func FromDiscord(m *discordgo.Message) Message {
	msg := Message{ID: m.ID, ChannelID: m.ChannelID, Content: m.Content}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{Filename: a.Filename, URL: a.URL})
	}
	switch {
	case m.ReferencedMessage != nil:
		ref := &Reference{Content: m.ReferencedMessage.Content}
		if m.ReferencedMessage.Author != nil {
			ref.AuthorID = m.ReferencedMessage.Author.ID
		}
		if ref.Content == "" && len(m.ReferencedMessage.Embeds) > 0 && m.ReferencedMessage.Embeds[0] != nil {
			ref.Content = m.ReferencedMessage.Embeds[0].Description
		}
		msg.Reply = ref
	case m.MessageReference != nil && m.MessageReference.ChannelID != "" && m.MessageReference.ChannelID != m.ChannelID:
		msg.Forwarded = true
	}
	return msg
}

type pendingTicket struct {
	startedAt time.Time
	messages  []Message
}

type Relay struct {
	cfg    Config
	api    API
	store  *Store
	audit  *audit.Logger
	logger *zap.Logger
	clock  clock.Clock
	locks  *keyLock

	mu      sync.Mutex
	pending map[string]*pendingTicket
	closed  map[string]time.Time
}

func NewRelay(cfg Config, api API, store *Store, auditLogger *audit.Logger, logger *zap.Logger) *Relay {
	if cfg.Trigger == "" {
		cfg.Trigger = "!ticket"
	}
	if cfg.ClosedGrace <= 0 {
		cfg.ClosedGrace = 2 * time.Minute
	}
	if cfg.ReplyScanLimit <= 0 {
		cfg.ReplyScanLimit = 50
	}
	if cfg.NotePrefix == "" {
		cfg.NotePrefix = "//"
	}
	return &Relay{
		cfg:     cfg,
		api:     api,
		store:   store,
		audit:   auditLogger,
		logger:  logger,
		clock:   clock.Real(),
		locks:   newKeyLock(),
		pending: make(map[string]*pendingTicket),
		closed:  make(map[string]time.Time),
	}
}

func (r *Relay) WithClock(c clock.Clock) {
	r.clock = c
}

func (r *Relay) Store() *Store {
	return r.store
}

func (r *Relay) State(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(userID)
}

func (r *Relay) stateLocked(userID string) State {
	if _, ok := r.pending[userID]; ok {
		return StatePendingCreation
	}
	if r.store.HasActiveTicket(userID) {
		return StateHasThread
	}
	if closedAt, ok := r.closed[userID]; ok {
		if r.clock.Now().Sub(closedAt) < r.cfg.ClosedGrace {
			return StateRecentlyClosed
		}
		delete(r.closed, userID)
	}
	return StateNoTicket
}

// HandleDM routes one direct message from a member.
func (r *Relay) HandleDM(ctx context.Context, msg Message) (Outcome, error) {
	r.mu.Lock()
	if p, ok := r.pending[msg.AuthorID]; ok {
		p.messages = append(p.messages, msg)
		r.mu.Unlock()
		return OutcomeQueued, nil
	}
	r.mu.Unlock()

	unlock := r.locks.Lock(msg.AuthorID)
	defer unlock()

	r.mu.Lock()
	state := r.stateLocked(msg.AuthorID)
	if state == StateNoTicket && r.IsTrigger(msg.Content) {
		r.pending[msg.AuthorID] = &pendingTicket{startedAt: r.clock.Now(), messages: []Message{msg}}
		state = StatePendingCreation
	}
	r.mu.Unlock()

	switch state {
	case StateHasThread:
		threadID, ok := r.store.ThreadForUser(msg.AuthorID)
		if !ok {
			return OutcomeFailed, ErrNoTicket
		}
		return r.relayToThread(threadID, msg)
	case StateRecentlyClosed:
		r.dm(msg.AuthorID, waitText)
		return OutcomeWait, nil
	case StatePendingCreation:
		return r.open(ctx, msg)
	default:
		r.dm(msg.AuthorID, fmt.Sprintf(deterrentText, r.cfg.Trigger))
		return OutcomeDeterred, nil
	}
}

// open runs under the member's key lock. Messages that arrive meanwhile are queued
// and flushed in arrival order once the thread exists.
func (r *Relay) open(ctx context.Context, first Message) (Outcome, error) {
	thread, err := r.api.StartThread(r.cfg.ChannelID, threadName(first))
	if err == nil && thread == nil {
		err = errors.New("thread start returned nothing")
	}
	if err == nil {
		err = r.store.Set(first.AuthorID, thread.ID)
	}

	r.mu.Lock()
	queued := r.pending[first.AuthorID]
	delete(r.pending, first.AuthorID)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("ticket open failed", zap.String("user_id", first.AuthorID), zap.Error(err))
		if thread != nil {
			r.archive(thread.ID)
		}
		r.dm(first.AuthorID, openFailText)
		return OutcomeFailed, fmt.Errorf("open ticket: %w", err)
	}

	metrics.TicketsOpened.Inc()
	r.audit.Log(ctx, audit.LevelInfo, r.cfg.GuildID, first.AuthorID, audit.EventTicketOpened, "thread "+thread.ID)
	if _, err := r.api.SendMessage(thread.ID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "New ticket",
			Description: fmt.Sprintf("Opened by <@%s> (%s). Replies in this thread are sent to their DMs. Start a message with `%s` to keep it internal.", first.AuthorID, first.AuthorName, r.cfg.NotePrefix),
			Color:       r.cfg.Color,
			Timestamp:   r.clock.Now().Format(time.RFC3339),
		}},
	}); err != nil {
		r.logger.Warn("ticket header failed", zap.String("thread_id", thread.ID), zap.Error(err))
	}
	r.dm(first.AuthorID, openedText)

	var messages []Message
	if queued != nil {
		messages = queued.messages
		r.logger.Info("ticket opened",
			zap.String("user_id", first.AuthorID),
			zap.String("thread_id", thread.ID),
			zap.Int("queued", len(messages)-1),
			zap.Duration("pending_for", r.clock.Now().Sub(queued.startedAt)))
	}
	for i, msg := range messages {
		if i == 0 {
			msg.Content = strings.TrimSpace(strings.TrimSpace(msg.Content)[len(r.cfg.Trigger):])
			if msg.Content == "" && len(msg.Attachments) == 0 {
				continue
			}
		}
		if _, err := r.relayToThread(thread.ID, msg); err != nil {
			r.logger.Warn("queued ticket message dropped", zap.String("user_id", msg.AuthorID), zap.Error(err))
		}
	}
	return OutcomeOpened, nil
}

func (r *Relay) relayToThread(threadID string, msg Message) (Outcome, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s:**", displayName(msg))
	if msg.Forwarded {
		b.WriteString(" *(forwarded)*")
	}
	if msg.Content != "" {
		b.WriteString(" ")
		b.WriteString(msg.Content)
	}
	writeAttachments(&b, msg.Attachments)

	send := &discordgo.MessageSend{
		Content:         b.String(),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if msg.Reply != nil {
		quoted := stripAttribution(msg.Reply.Content)
		if target := r.findReplyTarget(threadID, quoted); target != "" {
			send.Reference = &discordgo.MessageReference{MessageID: target, ChannelID: threadID}
		} else if quoted != "" {
			send.Content = quote(quoted) + "\n" + send.Content
		}
	}

	if _, err := r.api.SendMessage(threadID, send); err != nil {
		r.logger.Error("ticket relay to thread failed", zap.String("thread_id", threadID), zap.Error(err))
		return OutcomeFailed, err
	}
	metrics.MessagesRelayed.WithLabelValues("to_thread").Inc()
	return OutcomeRelayed, nil
}

// HandleStaffMessage relays a staff post in a ticket thread to the member's DMs.
// A failed DM leaves a notice in the thread instead.
func (r *Relay) HandleStaffMessage(ctx context.Context, msg Message) (Outcome, error) {
	userID, ok := r.store.UserForThread(msg.ChannelID)
	if !ok {
		return OutcomeFailed, ErrNoTicket
	}
	if strings.HasPrefix(msg.Content, r.cfg.NotePrefix) {
		return OutcomeStaffNote, nil
	}

	var b strings.Builder
	if msg.Reply != nil {
		quoted := msg.Reply.Content
		if msg.Reply.AuthorID == r.api.BotID() {
			quoted = stripAttribution(quoted)
		}
		if quoted != "" {
			b.WriteString(quote(quoted))
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "**Staff (%s):**", displayName(msg))
	if msg.Forwarded {
		b.WriteString(" *(forwarded)*")
	}
	if msg.Content != "" {
		b.WriteString(" ")
		b.WriteString(msg.Content)
	}
	writeAttachments(&b, msg.Attachments)

	if _, err := r.api.SendDM(userID, &discordgo.MessageSend{Content: b.String()}); err != nil {
		r.logger.Warn("ticket relay to member failed", zap.String("user_id", userID), zap.Error(err))
		if _, nerr := r.api.SendMessage(msg.ChannelID, &discordgo.MessageSend{Content: undelivered}); nerr != nil {
			r.logger.Error("ticket delivery notice failed", zap.String("thread_id", msg.ChannelID), zap.Error(nerr))
		}
		return OutcomeUndelivered, nil
	}
	metrics.MessagesRelayed.WithLabelValues("to_member").Inc()
	return OutcomeRelayed, nil
}

// Close removes the mapping, starts the grace period, then locks and archives the thread.
func (r *Relay) Close(ctx context.Context, threadID, closedBy, reason string) (Mapping, error) {
	userID, ok := r.store.UserForThread(threadID)
	if !ok {
		return Mapping{}, ErrNoTicket
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	mapping, ok, err := r.store.Remove(userID, threadID, reason)
	if err != nil {
		return mapping, err
	}
	if !ok {
		return Mapping{}, ErrNoTicket
	}
	r.mu.Lock()
	r.closed[userID] = r.clock.Now()
	r.mu.Unlock()

	if reason == "" {
		reason = "no reason given"
	}
	if _, err := r.api.SendMessage(threadID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Ticket closed",
			Description: fmt.Sprintf("Closed by <@%s>: %s", closedBy, reason),
			Color:       r.cfg.Color,
			Timestamp:   r.clock.Now().Format(time.RFC3339),
		}},
	}); err != nil {
		r.logger.Warn("ticket close notice failed", zap.String("thread_id", threadID), zap.Error(err))
	}

	r.archive(threadID)
	r.dm(userID, closedDMText)

	metrics.TicketsClosed.WithLabelValues("closed").Inc()
	r.audit.Log(ctx, audit.LevelInfo, r.cfg.GuildID, userID, audit.EventTicketClosed, fmt.Sprintf("thread %s closed by %s: %s", threadID, closedBy, reason))
	return mapping, nil
}

func (r *Relay) archive(threadID string) {
	locked, archived := true, true
	if _, err := r.api.EditChannel(threadID, &discordgo.ChannelEdit{Locked: &locked, Archived: &archived}); err != nil {
		r.logger.Warn("ticket archive failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// ThreadDeleted drops the mapping of a thread removed outside the bot.
func (r *Relay) ThreadDeleted(ctx context.Context, threadID string) bool {
	mapping, ok, err := r.store.Remove("", threadID, "thread deleted")
	if err != nil {
		r.logger.Warn("ticket removal after thread delete failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	if !ok {
		return false
	}
	metrics.TicketsClosed.WithLabelValues("deleted").Inc()
	r.audit.Log(ctx, audit.LevelWarn, r.cfg.GuildID, mapping.UserID, audit.EventTicketOrphaned, "thread "+threadID+" deleted")
	return true
}

// SweepOrphans purges mappings whose thread no longer resolves.
func (r *Relay) SweepOrphans(ctx context.Context, fetcher ChannelFetcher) (int, error) {
	removed, err := r.store.CleanupOrphans(ctx, fetcher)
	for _, mapping := range removed {
		metrics.TicketsClosed.WithLabelValues("orphaned").Inc()
		r.audit.Log(ctx, audit.LevelWarn, r.cfg.GuildID, mapping.UserID, audit.EventTicketOrphaned, "thread "+mapping.ThreadID+" unreachable")
	}
	return len(removed), err
}

// IsTicketThread reports whether channelID is a live ticket thread.
func (r *Relay) IsTicketThread(channelID string) bool {
	_, ok := r.store.UserForThread(channelID)
	return ok
}

// IsTrigger reports whether content opens a ticket: the trigger as a whole word,
// case-insensitive, at the start of the message.
func (r *Relay) IsTrigger(content string) bool {
	return IsTrigger(r.cfg.Trigger, content)
}

func IsTrigger(trigger, content string) bool {
	content = strings.TrimSpace(content)
	if trigger == "" || len(content) < len(trigger) || !strings.EqualFold(content[:len(trigger)], trigger) {
		return false
	}
	rest := content[len(trigger):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n'
}

// findReplyTarget is a best-effort guess: the newest recent thread message whose text
// contains the quoted text. It is never treated as authoritative.
func (r *Relay) findReplyTarget(threadID, quoted string) string {
	needle := matchKey(quoted)
	if len([]rune(needle)) < 3 {
		return ""
	}
	if runes := []rune(needle); len(runes) > 80 {
		needle = string(runes[:80])
	}
	messages, err := r.api.Messages(threadID, r.cfg.ReplyScanLimit)
	if err != nil {
		r.logger.Debug("reply context lookup failed", zap.String("thread_id", threadID), zap.Error(err))
		return ""
	}
	for _, m := range messages {
		if m == nil {
			continue
		}
		text := m.Content
		if text == "" && len(m.Embeds) > 0 && m.Embeds[0] != nil {
			text = m.Embeds[0].Description
		}
		if strings.Contains(matchKey(stripAttribution(text)), needle) {
			return m.ID
		}
	}
	return ""
}

func (r *Relay) dm(userID, text string) {
	if _, err := r.api.SendDM(userID, &discordgo.MessageSend{Content: text}); err != nil {
		r.logger.Warn("ticket dm failed", zap.String("user_id", userID), zap.Error(err))
	}
}

var attributionPrefix = regexp.MustCompile(`^\*\*[^*\n]{1,100}:\*\*(?: \*\(forwarded\)\*)?\s*`)

// stripAttribution removes quote lines and the bold author prefix the relay adds.
func stripAttribution(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "> ") || line == ">" {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	return strings.TrimSpace(attributionPrefix.ReplaceAllString(out, ""))
}

func matchKey(text string) string {
	text = strings.ToLower(text)
	text = strings.NewReplacer("*", "", "_", "", "`", "", "~", "").Replace(text)
	return strings.Join(strings.Fields(text), " ")
}

func quote(text string) string {
	if runes := []rune(text); len(runes) > 200 {
		text = string(runes[:200]) + "..."
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func writeAttachments(b *strings.Builder, attachments []Attachment) {
	for _, a := range attachments {
		name := a.Filename
		if name == "" {
			name = "attachment"
		}
		fmt.Fprintf(b, "\n[%s](%s)", name, a.URL)
	}
}

func displayName(msg Message) string {
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	return msg.AuthorID
}

func threadName(msg Message) string {
	name := "ticket-" + displayName(msg)
	if runes := []rune(name); len(runes) > 90 {
		name = string(runes[:90])
	}
	return name
}
