package filter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"warden/internal/clock"
	"warden/internal/discord"
	"warden/internal/modules/mute"
	"warden/internal/violations"
	"warden/internal/wordlist"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	sent      []string
	deleted   []string
	deleteErr error
	nextID    int
}

func (f *fakeAPI) SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	f.nextID++
	f.sent = append(f.sent, msg.Content)
	return &discordgo.Message{ID: "warn-" + string(rune('0'+f.nextID)), ChannelID: channelID}, nil
}

func (f *fakeAPI) DeleteMessage(_, messageID string) error {
	if f.deleteErr != nil && !strings.HasPrefix(messageID, "warn-") {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeWords struct {
	blacklist []string
	whitelist []string
}

func (f fakeWords) Contains(text string) wordlist.Match {
	lower := wordlist.Normalize(text)
	for _, token := range wordlist.Tokens(lower) {
		for _, allowed := range f.whitelist {
			if token == allowed {
				return wordlist.Match{}
			}
		}
	}
	var found []string
	for _, word := range f.blacklist {
		if strings.Contains(lower, word) {
			found = append(found, word)
		}
	}
	return wordlist.Match{Found: len(found) > 0, Words: found}
}

type fakeMuter struct {
	requests []mute.Request
	err      error
}

func (f *fakeMuter) AutoMute(_ context.Context, req mute.Request) (bool, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

type harness struct {
	api     *fakeAPI
	muter   *fakeMuter
	clock   *clock.Fake
	tracker *violations.Tracker
	filter  *Filter
}

func newHarness() *harness {
	api := &fakeAPI{}
	muter := &fakeMuter{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := violations.New(violations.DefaultWindow, nil, zap.NewNop())
	tracker.WithClock(clk)
	cfg := Config{
		BypassRoleIDs:    []string{"role-admin"},
		StaffRoleIDs:     []string{"role-staff"},
		Level25RoleID:    "role-25",
		GeneralChannelID: "general",
		MusicChannelID:   "music",
		MediaChannelIDs:  []string{"media"},
		SevereWords:      []string{"slurword"},
		GifDomains:       []string{"tenor.com", "giphy.com"},
		MusicDomains:     []string{"open.spotify.com", "youtube.com"},
		Threshold:        3,
		WarningTTL:       5 * time.Second,
	}
	words := fakeWords{blacklist: []string{"ass"}, whitelist: []string{"assignment"}}
	f := New(cfg, api, words, tracker, muter, nil, zap.NewNop())
	f.WithClock(clk)
	return &harness{api: api, muter: muter, clock: clk, tracker: tracker, filter: f}
}

func message(channelID, content string, roles ...string) Message {
	return Message{ID: "m1", GuildID: "g1", ChannelID: channelID, AuthorID: "u1", Content: content, RoleIDs: roles}
}

func TestBypassRoleSkipsEverything(t *testing.T) {
	h := newHarness()
	res := h.filter.Check(context.Background(), message("chat", "discord.gg/abc you ass", "role-admin"))
	assert.Equal(t, OutcomeBypass, res.Outcome)
	assert.Empty(t, h.api.deleted)
}

func TestBotsAndDMsAreIgnored(t *testing.T) {
	h := newHarness()
	msg := message("chat", "you ass")
	msg.Bot = true
	assert.Equal(t, OutcomeClean, h.filter.Check(context.Background(), msg).Outcome)

	msg = message("chat", "you ass")
	msg.GuildID = ""
	assert.Equal(t, OutcomeClean, h.filter.Check(context.Background(), msg).Outcome)
}

func TestInviteLinkCountsAndEscalates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	res := h.filter.Check(ctx, message("chat", "join https://discord.gg/abc123"))
	assert.Equal(t, OutcomeInvite, res.Outcome)
	assert.Equal(t, 1, res.Count)
	assert.NotContains(t, h.api.sent[0], "violation #")

	res = h.filter.Check(ctx, message("chat", "discord.com/invite/xyz"))
	assert.Equal(t, 2, res.Count)
	assert.Contains(t, h.api.sent[1], "violation #2")
	assert.Empty(t, h.muter.requests)

	res = h.filter.Check(ctx, message("chat", "discordapp.com/invite/xyz"))
	assert.True(t, res.Muted)
	require.Len(t, h.muter.requests, 1)
	assert.Equal(t, 3, h.muter.requests[0].ViolationCount)
}

func TestMediaChannelRemovesTextOnly(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	res := h.filter.Check(ctx, message("media", "nice pic"))
	assert.Equal(t, OutcomeMediaOnly, res.Outcome)
	assert.Equal(t, []string{"m1"}, h.api.deleted)
	assert.Equal(t, 0, h.tracker.Current("g1", "u1").Count, "media removals are not violations")

	withAttachment := message("media", "nice pic")
	withAttachment.Attachments = 1
	assert.Equal(t, OutcomeClean, h.filter.Check(ctx, withAttachment).Outcome)

	assert.Equal(t, OutcomeLinkAllowed, h.filter.Check(ctx, message("media", "https://tenor.com/view/cat-123")).Outcome)
}

func TestSevereWordMutesOnFirstOffense(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	res := h.filter.Check(ctx, message("chat", "you SLURWORD"))
	assert.Equal(t, OutcomeSevere, res.Outcome)
	assert.True(t, res.Muted)
	require.Len(t, h.muter.requests, 1)
	assert.True(t, h.muter.requests[0].Severe)
	assert.Equal(t, 1, h.muter.requests[0].SevereCount)

	h.clock.Advance(24 * time.Hour)
	h.filter.Check(ctx, message("chat", "slurword again"))
	require.Len(t, h.muter.requests, 2)
	assert.Equal(t, 2, h.muter.requests[1].SevereCount)
}

func TestBlacklistThreeStrikes(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := h.filter.Check(ctx, message("chat", "you're an ass"))
		assert.Equal(t, OutcomeBlacklist, res.Outcome)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, i == 3, res.Muted)
		h.clock.Advance(40 * time.Second)
	}
	require.Len(t, h.muter.requests, 1)
	assert.Equal(t, 3, h.muter.requests[0].ViolationCount)
	assert.False(t, h.muter.requests[0].Severe)
	assert.Len(t, h.api.deleted, 6, "three messages plus three expired warnings")
}

func TestWhitelistTokenExemptsMessage(t *testing.T) {
	h := newHarness()
	res := h.filter.Check(context.Background(), message("chat", "Assignment!"))
	assert.Equal(t, OutcomeClean, res.Outcome)
	assert.Empty(t, h.api.deleted)
}

func TestWarningsExpireAfterDelay(t *testing.T) {
	h := newHarness()
	h.filter.Check(context.Background(), message("chat", "ass"))
	assert.Equal(t, []string{"m1"}, h.api.deleted)

	h.clock.Advance(4 * time.Second)
	assert.Len(t, h.api.deleted, 1)
	h.clock.Advance(time.Second)
	assert.Equal(t, []string{"m1", "warn-1"}, h.api.deleted)
}

func TestUnknownMessageIsSwallowed(t *testing.T) {
	h := newHarness()
	h.api.deleteErr = discord.RESTError(discordgo.ErrCodeUnknownMessage, "Unknown Message")
	res := h.filter.Check(context.Background(), message("chat", "ass"))
	assert.Equal(t, OutcomeBlacklist, res.Outcome)
	assert.Len(t, h.api.sent, 1)
}

func TestMuteFailureStillReportsOutcome(t *testing.T) {
	h := newHarness()
	h.muter.err = errors.New("no muted role")
	ctx := context.Background()
	var res Result
	for i := 0; i < 3; i++ {
		res = h.filter.Check(ctx, message("chat", "ass"))
	}
	assert.Equal(t, OutcomeBlacklist, res.Outcome)
	assert.False(t, res.Muted)
}

func TestLinkExemptions(t *testing.T) {
	cases := []struct {
		name    string
		channel string
		content string
		roles   []string
		want    Outcome
	}{
		{"plain link removed", "chat", "see https://example.com/page", nil, OutcomeLink},
		{"staff may link", "chat", "see https://example.com", []string{"role-staff"}, OutcomeLinkAllowed},
		{"same guild message link", "chat", "https://discord.com/channels/g1/c2/m3", nil, OutcomeLinkAllowed},
		{"other guild message link", "chat", "https://discord.com/channels/g9/c2/m3", nil, OutcomeLink},
		{"tenor by level 25 in general", "general", "https://tenor.com/view/x", []string{"role-25"}, OutcomeLinkAllowed},
		{"tenor without level 25", "general", "https://tenor.com/view/x", nil, OutcomeLink},
		{"music link in music channel", "music", "https://open.spotify.com/track/1", nil, OutcomeLinkAllowed},
		{"music link elsewhere", "chat", "https://open.spotify.com/track/1", nil, OutcomeLink},
		{"level 25 links in general", "general", "www.example.org", []string{"role-25"}, OutcomeLinkAllowed},
		{"level 25 outside general", "chat", "www.example.org", []string{"role-25"}, OutcomeLink},
		{"mixed links fail on one", "music", "https://youtube.com/watch?v=1 https://evil.example", nil, OutcomeLink},
		{"no link", "chat", "hello there", nil, OutcomeClean},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			res := h.filter.Check(context.Background(), message(tc.channel, tc.content, tc.roles...))
			assert.Equal(t, tc.want, res.Outcome)
			assert.Equal(t, tc.want == OutcomeLink, len(h.api.deleted) == 1)
			assert.Equal(t, 0, h.tracker.Current("g1", "u1").Count)
		})
	}
}

func TestFromDiscord(t *testing.T) {
	msg := FromDiscord(&discordgo.Message{
		ID:          "m1",
		GuildID:     "g1",
		ChannelID:   "c1",
		Content:     "hi",
		Author:      &discordgo.User{ID: "u1", Bot: true},
		Member:      &discordgo.Member{Roles: []string{"r1"}},
		Attachments: []*discordgo.MessageAttachment{{ID: "a1"}},
	})
	assert.Equal(t, "u1", msg.AuthorID)
	assert.True(t, msg.Bot)
	assert.Equal(t, []string{"r1"}, msg.RoleIDs)
	assert.Equal(t, 1, msg.Attachments)
}
