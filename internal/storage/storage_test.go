package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestMigrateTwice(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertGuildSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	settings := GuildSettings{
		GuildID:       "g1",
		ModLogChannel: "c1",
		MutedRoleID:   "r1",
		RetentionDays: 30,
	}
	if err := store.UpsertGuildSettings(ctx, settings); err != nil {
		t.Fatalf("upsert guild settings: %v", err)
	}

	settings.ModLogChannel = "c2"
	if err := store.UpsertGuildSettings(ctx, settings); err != nil {
		t.Fatalf("update guild settings: %v", err)
	}

	got, err := store.GetGuildSettings(ctx, "g1", GuildSettings{TicketChannel: "t-default"})
	if err != nil {
		t.Fatalf("get guild settings: %v", err)
	}
	if got.ModLogChannel != "c2" {
		t.Fatalf("expected channel c2, got %q", got.ModLogChannel)
	}
	if got.TicketChannel != "t-default" {
		t.Fatalf("expected default ticket channel, got %q", got.TicketChannel)
	}

	missing, err := store.GetGuildSettings(ctx, "g2", GuildSettings{RetentionDays: 7})
	if err != nil {
		t.Fatalf("get missing settings: %v", err)
	}
	if missing.GuildID != "g2" || missing.RetentionDays != 7 {
		t.Fatalf("expected defaults for unknown guild, got %+v", missing)
	}
}

func TestAuditLogsRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	if err := store.AddAuditLog(ctx, AuditLog{GuildID: "g1", Level: "WARN", Event: "old", CreatedAt: now.AddDate(0, 0, -40)}); err != nil {
		t.Fatalf("add old log: %v", err)
	}
	if err := store.AddAuditLog(ctx, AuditLog{GuildID: "g1", Level: "INFO", Event: "fresh"}); err != nil {
		t.Fatalf("add fresh log: %v", err)
	}

	removed, err := store.CleanupAuditLogs(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	logs, err := store.ListAuditLogs(ctx, "g1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "fresh" || logs[0].ID == "" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestWordEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, err := store.AddWord(ctx, WordEntry{List: Blacklist, Word: "  Spam  ", Reason: "test"})
	if err != nil {
		t.Fatalf("add word: %v", err)
	}
	if entry.Word != "spam" || entry.AddedBy != "system" || entry.PunishmentID == "" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, err := store.AddWord(ctx, WordEntry{List: Blacklist, Word: "SPAM"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := store.AddWord(ctx, WordEntry{List: Whitelist, Word: "spam"}); err != nil {
		t.Fatalf("same word in other list: %v", err)
	}
	if _, err := store.AddWord(ctx, WordEntry{List: "graylist", Word: "x"}); err == nil {
		t.Fatalf("expected invalid list error")
	}

	words, err := store.ListWords(ctx, Blacklist)
	if err != nil {
		t.Fatalf("list words: %v", err)
	}
	if len(words) != 1 || words[0].Reason != "test" {
		t.Fatalf("unexpected words %+v", words)
	}

	if err := store.RemoveWord(ctx, Blacklist, "spam"); err != nil {
		t.Fatalf("remove word: %v", err)
	}
	if err := store.RemoveWord(ctx, Blacklist, "spam"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetWord(ctx, Whitelist, "spam"); err != nil {
		t.Fatalf("whitelist entry should survive: %v", err)
	}
}

func TestModerationActions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	action, err := store.CreateModerationAction(ctx, ModerationAction{
		GuildID:     "g1",
		UserID:      "u1",
		ModeratorID: "bot",
		Action:      "mute",
		Reason:      "blacklist",
		Duration:    10 * time.Minute,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if action.ExpiresAt.Sub(action.CreatedAt) != 10*time.Minute {
		t.Fatalf("unexpected expiry %v", action.ExpiresAt)
	}

	active, err := store.HasActiveAction(ctx, "g1", "u1", "mute")
	if err != nil || !active {
		t.Fatalf("expected active mute, err=%v", err)
	}
	list, err := store.ListActiveActions(ctx, "g1", "mute")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one active action, got %d err=%v", len(list), err)
	}

	if err := store.SetModerationActionActive(ctx, action.ActionID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := store.GetModerationAction(ctx, action.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.Active || got.Duration != 10*time.Minute {
		t.Fatalf("unexpected action %+v", got)
	}
	if err := store.SetModerationActionActive(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScheduledJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateJob(ctx, ScheduledJob{Kind: "unmute", GuildID: "g1", UserID: "u1", Payload: "a1", RunAt: time.Unix(200, 0)})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	second, err := store.CreateJob(ctx, ScheduledJob{Kind: "unmute", GuildID: "g1", UserID: "u2", RunAt: time.Unix(100, 0)})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	pending, err := store.ListPendingJobs(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != second.ID {
		t.Fatalf("expected jobs ordered by run_at, got %+v", pending)
	}

	if err := store.FailJob(ctx, first.ID, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if err := store.CompleteJob(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finished job must not change again, got %v", err)
	}
	got, err := store.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobFailed || got.Attempts != 1 || got.LastError != "boom" {
		t.Fatalf("unexpected job %+v", got)
	}

	forUser, err := store.ListPendingJobsFor(ctx, "unmute", "g1", "u2")
	if err != nil || len(forUser) != 1 {
		t.Fatalf("expected one pending job for u2, got %d err=%v", len(forUser), err)
	}
	if err := store.CancelJob(ctx, second.ID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	cancelled, _ := store.GetJob(ctx, second.ID)
	if cancelled.Status != JobCancelled || cancelled.Attempts != 0 {
		t.Fatalf("unexpected cancelled job %+v", cancelled)
	}
}

func TestSevereOffenses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := store.IncrementSevere(ctx, "g1", "u1")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if count != i {
			t.Fatalf("expected %d, got %d", i, count)
		}
	}
	count, err := store.SevereCount(ctx, "g1", "u1")
	if err != nil || count != 3 {
		t.Fatalf("expected 3, got %d err=%v", count, err)
	}
	other, err := store.SevereCount(ctx, "g2", "u1")
	if err != nil || other != 0 {
		t.Fatalf("expected 0 for other guild, got %d err=%v", other, err)
	}
}

func TestRebindPostgres(t *testing.T) {
	store := &Store{driver: driverPostgres}
	got := store.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
	sqlite := &Store{driver: driverSQLite}
	if sqlite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite query must be untouched")
	}
}
