package timedroles

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/internal/clock"
	"warden/internal/discord"
	"warden/internal/jsonstore"
	"warden/internal/scheduler"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu       sync.Mutex
	roles    map[string]map[string]bool
	departed map[string]bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{roles: make(map[string]map[string]bool), departed: make(map[string]bool)}
}

func (f *fakeAPI) AddRole(_, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[userID] == nil {
		f.roles[userID] = make(map[string]bool)
	}
	f.roles[userID][roleID] = true
	return nil
}

func (f *fakeAPI) RemoveRole(_, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.departed[userID] {
		return discord.RESTError(discordgo.ErrCodeUnknownMember, "Unknown Member")
	}
	delete(f.roles[userID], roleID)
	return nil
}

func (f *fakeAPI) has(userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[userID][roleID]
}

type harness struct {
	api     *fakeAPI
	clock   *clock.Fake
	store   *storage.Store
	sched   *scheduler.Scheduler
	manager *Manager
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	sched := scheduler.New(store, zap.NewNop())
	sched.WithClock(clk)

	dir := t.TempDir()
	api := newFakeAPI()
	manager := NewManager(dir, api, sched, nil, zap.NewNop())
	manager.now = clk.Now
	sched.Register(JobKind, manager.HandleExpiry)
	return &harness{api: api, clock: clk, store: store, sched: sched, manager: manager, dir: dir}
}

func TestGrantExpiresOnSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, h.api.has("u1", "vip"))
	assert.NotEmpty(t, entry.JobID)
	assert.Len(t, h.manager.List("g1"), 1)
	assert.Empty(t, h.manager.List("g2"))

	h.clock.Advance(29 * time.Minute)
	assert.True(t, h.api.has("u1", "vip"))
	h.clock.Advance(time.Minute)
	assert.False(t, h.api.has("u1", "vip"))
	assert.Empty(t, h.manager.List("g1"))

	history, err := jsonstore.ReadHistory[historyEntry](filepath.Join(h.dir, "timedRoles_history.jsonl"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "granted", history[0].Action)
	assert.Equal(t, "expired", history[1].Action)

	job, err := h.store.GetJob(ctx, entry.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, job.Status)
}

func TestGrantBeforeLoadKeepsSavedEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", time.Hour)
	require.NoError(t, err)

	restarted := NewManager(h.dir, h.api, h.sched, nil, zap.NewNop())
	restarted.now = h.clock.Now
	_, err = restarted.Grant(ctx, "g1", "u2", "vip", "mod", time.Hour)
	require.NoError(t, err)
	require.Len(t, restarted.List("g1"), 2)

	reloaded := NewManager(h.dir, h.api, h.sched, nil, zap.NewNop())
	require.NoError(t, reloaded.Load())
	byUser := map[string]string{}
	for _, entry := range reloaded.List("g1") {
		byUser[entry.UserID] = entry.ID
	}
	assert.Len(t, byUser, 2)
	assert.Equal(t, first.ID, byUser["u1"])
}

func TestRegrantReplacesEarlierEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", 10*time.Minute)
	require.NoError(t, err)
	_, err = h.manager.Grant(ctx, "g1", "u1", "vip", "mod", time.Hour)
	require.NoError(t, err)
	require.Len(t, h.manager.List("g1"), 1)

	h.clock.Advance(15 * time.Minute)
	assert.True(t, h.api.has("u1", "vip"), "the replaced expiry must not fire")

	job, err := h.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCancelled, job.Status)
}

func TestRevokeCancelsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", time.Hour)
	require.NoError(t, err)
	require.NoError(t, h.manager.Revoke(ctx, entry.ID, "mod2"))
	assert.False(t, h.api.has("u1", "vip"))
	assert.Equal(t, 0, h.sched.Armed())
	assert.ErrorIs(t, h.manager.Revoke(ctx, entry.ID, "mod2"), ErrNotFound)
}

func TestExpiryToleratesDepartedMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", time.Minute)
	require.NoError(t, err)
	h.api.departed["u1"] = true
	h.clock.Advance(time.Minute)

	assert.Empty(t, h.manager.List(""))
	job, err := h.store.GetJob(ctx, entry.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, job.Status)
}

func TestExpiredAndReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Grant(ctx, "g1", "u1", "vip", "mod", time.Minute)
	require.NoError(t, err)
	_, err = h.manager.Grant(ctx, "g1", "u2", "vip", "mod", time.Hour)
	require.NoError(t, err)

	expired := h.manager.Expired(h.clock.Now().Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].UserID)

	reloaded := NewManager(h.dir, h.api, h.sched, nil, zap.NewNop())
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.List("g1"), 2)
}

func TestGrantRejectsNonPositiveDuration(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Grant(context.Background(), "g1", "u1", "vip", "mod", 0)
	assert.Error(t, err)
	assert.False(t, h.api.has("u1", "vip"))
}
