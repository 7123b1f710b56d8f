package tickets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"warden/internal/clock"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	channelID string
	msg       *discordgo.MessageSend
}

type fakeAPI struct {
	mu       sync.Mutex
	threads  int
	posts    []sent
	dms      map[string][]string
	edits    map[string]*discordgo.ChannelEdit
	history  map[string][]*discordgo.Message
	dmErr    error
	startErr error
	started  chan struct{}
	release  chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		dms:     make(map[string][]string),
		edits:   make(map[string]*discordgo.ChannelEdit),
		history: make(map[string][]*discordgo.Message),
	}
}

func (f *fakeAPI) BotID() string { return "bot" }

func (f *fakeAPI) SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, sent{channelID: channelID, msg: msg})
	return &discordgo.Message{ID: fmt.Sprintf("p%d", len(f.posts)), ChannelID: channelID}, nil
}

func (f *fakeAPI) SendDM(userID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	f.dms[userID] = append(f.dms[userID], msg.Content)
	return &discordgo.Message{ID: "dm"}, nil
}

func (f *fakeAPI) StartThread(channelID, name string) (*discordgo.Channel, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.threads++
	return &discordgo.Channel{ID: fmt.Sprintf("thread-%d", f.threads), ParentID: channelID, Name: name}, nil
}

func (f *fakeAPI) EditChannel(channelID string, edit *discordgo.ChannelEdit) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[channelID] = edit
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeAPI) Messages(channelID string, _ int) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[channelID], nil
}

func (f *fakeAPI) threadPosts(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.posts {
		if p.channelID == threadID && p.msg.Content != "" {
			out = append(out, p.msg.Content)
		}
	}
	return out
}

func newRelay(t *testing.T) (*Relay, *fakeAPI, *clock.Fake) {
	t.Helper()
	api := newFakeAPI()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	relay := NewRelay(Config{GuildID: "g1", ChannelID: "support"}, api, NewStore(t.TempDir(), 2, zap.NewNop()), nil, zap.NewNop())
	relay.WithClock(clk)
	return relay, api, clk
}

func dm(content string) Message {
	return Message{ID: "m", ChannelID: "dm-u1", AuthorID: "u1", AuthorName: "alice", Content: content}
}

func TestNewUserWithoutTriggerIsDeterred(t *testing.T) {
	relay, api, _ := newRelay(t)
	outcome, err := relay.HandleDM(context.Background(), dm("hello"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeterred, outcome)
	assert.Equal(t, 0, api.threads)
	assert.False(t, relay.Store().HasActiveTicket("u1"))
	require.Len(t, api.dms["u1"], 1)
	assert.Contains(t, api.dms["u1"][0], "!ticket")
}

func TestTriggerOpensThreadAndRelaysRest(t *testing.T) {
	relay, api, _ := newRelay(t)
	ctx := context.Background()

	outcome, err := relay.HandleDM(ctx, dm("!ticket my account is locked"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, outcome)
	assert.Equal(t, StateHasThread, relay.State("u1"))

	threadID, ok := relay.Store().ThreadForUser("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"**alice:** my account is locked"}, api.threadPosts(threadID))

	outcome, err = relay.HandleDM(ctx, dm("any update?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, outcome)
	assert.Equal(t, 1, api.threads)
	assert.Len(t, api.threadPosts(threadID), 2)
}

func TestTriggerMustBeAWholeWord(t *testing.T) {
	relay, _, _ := newRelay(t)
	outcome, err := relay.HandleDM(context.Background(), dm("!tickets please"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeterred, outcome)
}

func TestConcurrentDMsQueueBehindCreation(t *testing.T) {
	relay, api, _ := newRelay(t)
	api.started = make(chan struct{})
	api.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan Outcome)
	go func() {
		outcome, _ := relay.HandleDM(ctx, dm("!ticket first"))
		done <- outcome
	}()
	<-api.started
	assert.Equal(t, StatePendingCreation, relay.State("u1"))

	for _, text := range []string{"second", "third"} {
		outcome, err := relay.HandleDM(ctx, dm(text))
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, outcome)
	}
	close(api.release)
	assert.Equal(t, OutcomeOpened, <-done)

	assert.Equal(t, 1, api.threads)
	assert.Equal(t, []string{"**alice:** first", "**alice:** second", "**alice:** third"}, api.threadPosts("thread-1"))
	assert.Equal(t, 0, relay.locks.size())
}

func TestOpenFailureReturnsToNoTicket(t *testing.T) {
	relay, api, _ := newRelay(t)
	api.startErr = errors.New("missing permissions")

	outcome, err := relay.HandleDM(context.Background(), dm("!ticket help"))
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, StateNoTicket, relay.State("u1"))
	assert.Contains(t, api.dms["u1"][0], "could not be opened")
}

func TestOpenArchivesThreadWhenMappingCannotBeSaved(t *testing.T) {
	relay, api, _ := newRelay(t)
	require.NoError(t, relay.Store().Load())
	blockWrites(t, relay.Store(), t.TempDir())

	outcome, err := relay.HandleDM(context.Background(), dm("!ticket help"))
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, StateNoTicket, relay.State("u1"))
	assert.False(t, relay.Store().HasActiveTicket("u1"))
	require.Contains(t, api.edits, "thread-1")
	assert.True(t, *api.edits["thread-1"].Archived)
	assert.Contains(t, api.dms["u1"][0], "could not be opened")
}

func TestAttachmentsAndForwardsAreAttributed(t *testing.T) {
	relay, api, _ := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)

	msg := dm("look")
	msg.Forwarded = true
	msg.Attachments = []Attachment{{Filename: "shot.png", URL: "https://cdn.example/shot.png"}}
	_, err = relay.HandleDM(ctx, msg)
	require.NoError(t, err)

	posts := api.threadPosts("thread-1")
	require.Len(t, posts, 1, "a bare trigger relays nothing")
	assert.Equal(t, "**alice:** *(forwarded)* look\n[shot.png](https://cdn.example/shot.png)", posts[0])
}

func TestMemberReplyFindsThreadMessage(t *testing.T) {
	relay, api, _ := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)

	api.history["thread-1"] = []*discordgo.Message{
		{ID: "s2", Content: "Did you try resetting your password?"},
		{ID: "s1", Content: "Hi, thanks for reaching out."},
	}
	reply := dm("yes, twice")
	reply.Reply = &Reference{AuthorID: "bot", Content: "**Staff (bob):** Did you try *resetting* your password?"}
	_, err = relay.HandleDM(ctx, reply)
	require.NoError(t, err)

	api.mu.Lock()
	last := api.posts[len(api.posts)-1].msg
	api.mu.Unlock()
	require.NotNil(t, last.Reference)
	assert.Equal(t, "s2", last.Reference.MessageID)

	unmatched := dm("which one?")
	unmatched.Reply = &Reference{AuthorID: "bot", Content: "**Staff (bob):** something never posted"}
	_, err = relay.HandleDM(ctx, unmatched)
	require.NoError(t, err)
	api.mu.Lock()
	last = api.posts[len(api.posts)-1].msg
	api.mu.Unlock()
	assert.Nil(t, last.Reference)
	assert.Equal(t, "> something never posted\n**alice:** which one?", last.Content)
}

func TestStaffReplyUnpacksRelayedMessage(t *testing.T) {
	relay, api, _ := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)

	staff := Message{ID: "s", ChannelID: "thread-1", AuthorID: "mod", AuthorName: "bob", Content: "on it",
		Reply: &Reference{AuthorID: "bot", Content: "**alice:** my account is locked"}}
	outcome, err := relay.HandleStaffMessage(ctx, staff)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, outcome)
	dms := api.dms["u1"]
	assert.Equal(t, "> my account is locked\n**Staff (bob):** on it", dms[len(dms)-1])

	note := Message{ChannelID: "thread-1", AuthorID: "mod", Content: "// checking logs"}
	outcome, err = relay.HandleStaffMessage(ctx, note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaffNote, outcome)
}

func TestStaffReplyFallsBackToThreadNotice(t *testing.T) {
	relay, api, _ := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)
	api.dmErr = errors.New("cannot send messages to this user")

	outcome, err := relay.HandleStaffMessage(ctx, Message{ChannelID: "thread-1", AuthorID: "mod", Content: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUndelivered, outcome)
	assert.Equal(t, []string{undelivered}, api.threadPosts("thread-1"))
}

func TestStaffMessageOutsideTicket(t *testing.T) {
	relay, _, _ := newRelay(t)
	_, err := relay.HandleStaffMessage(context.Background(), Message{ChannelID: "random"})
	assert.ErrorIs(t, err, ErrNoTicket)
}

func TestCloseStartsGraceWindow(t *testing.T) {
	relay, api, clk := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)

	mapping, err := relay.Close(ctx, "thread-1", "mod", "resolved")
	require.NoError(t, err)
	assert.Equal(t, "u1", mapping.UserID)
	assert.Equal(t, StateRecentlyClosed, relay.State("u1"))
	edit := api.edits["thread-1"]
	require.NotNil(t, edit)
	assert.True(t, *edit.Locked)
	assert.True(t, *edit.Archived)

	outcome, err := relay.HandleDM(ctx, dm("!ticket again"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWait, outcome)
	assert.Equal(t, 1, api.threads)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, StateNoTicket, relay.State("u1"))
	outcome, err = relay.HandleDM(ctx, dm("!ticket again"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, outcome)
	assert.Equal(t, 2, api.threads)

	_, err = relay.Close(ctx, "unknown-thread", "mod", "")
	assert.ErrorIs(t, err, ErrNoTicket)
}

func TestThreadDeletedDropsMapping(t *testing.T) {
	relay, _, _ := newRelay(t)
	ctx := context.Background()
	_, err := relay.HandleDM(ctx, dm("!ticket"))
	require.NoError(t, err)

	assert.True(t, relay.IsTicketThread("thread-1"))
	assert.True(t, relay.ThreadDeleted(ctx, "thread-1"))
	assert.False(t, relay.IsTicketThread("thread-1"))
	assert.Equal(t, StateNoTicket, relay.State("u1"))
	assert.False(t, relay.ThreadDeleted(ctx, "thread-1"))
}

func TestFromDiscordDetectsReplyAndForward(t *testing.T) {
	reply := FromDiscord(&discordgo.Message{
		ID: "m", ChannelID: "c", Author: &discordgo.User{ID: "u", Username: "alice"},
		ReferencedMessage: &discordgo.Message{Content: "quoted", Author: &discordgo.User{ID: "bot"}},
	})
	require.NotNil(t, reply.Reply)
	assert.Equal(t, "bot", reply.Reply.AuthorID)
	assert.False(t, reply.Forwarded)

	forward := FromDiscord(&discordgo.Message{
		ID: "m", ChannelID: "c", Author: &discordgo.User{ID: "u"},
		MessageReference: &discordgo.MessageReference{ChannelID: "elsewhere", MessageID: "x"},
	})
	assert.True(t, forward.Forwarded)
	assert.Nil(t, forward.Reply)
}

func TestStripAttribution(t *testing.T) {
	assert.Equal(t, "hello there", stripAttribution("> quoted\n**Staff (bob):** hello there"))
	assert.Equal(t, "look", stripAttribution("**alice:** *(forwarded)* look"))
	assert.Equal(t, "plain", stripAttribution("plain"))
}
