// Package timedroles grants roles that remove themselves after a duration.
package timedroles

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"warden/internal/discord"
	"warden/internal/jsonstore"
	"warden/internal/modules/audit"
	"warden/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	JobKind      = "role_expiry"
	snapshotFile = "timedRoles.json"
)

var ErrNotFound = errors.New("timedroles: entry not found")

type API interface {
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, kind, guildID, userID, payload string, runAt time.Time) (storage.ScheduledJob, error)
	Cancel(ctx context.Context, id string) error
}

type Entry struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guildId"`
	UserID    string    `json:"userId"`
	RoleID    string    `json:"roleId"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	JobID     string    `json:"jobId,omitempty"`
}

type snapshot struct {
	Roles []Entry `json:"roles"`
}

type historyEntry struct {
	Action string    `json:"action"`
	Entry  Entry     `json:"entry"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}

type Manager struct {
	path        string
	historyPath string
	api         API
	scheduler   Scheduler
	audit       *audit.Logger
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries map[string]Entry
}

func NewManager(dataDir string, api API, scheduler Scheduler, auditLogger *audit.Logger, logger *zap.Logger) *Manager {
	path := filepath.Join(dataDir, snapshotFile)
	return &Manager{
		path:        path,
		historyPath: jsonstore.HistoryPath(path),
		api:         api,
		scheduler:   scheduler,
		audit:       auditLogger,
		logger:      logger,
		now:         time.Now,
		entries:     make(map[string]Entry),
	}
}

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() error {
	var snap snapshot
	if _, err := jsonstore.ReadSnapshot(m.path, &snap); err != nil {
		return err
	}
	m.entries = make(map[string]Entry, len(snap.Roles))
	for _, entry := range snap.Roles {
		m.entries[entry.ID] = entry
	}
	m.loaded = true
	return nil
}

// ensureLoadedLocked keeps a write before Load from replacing entries that are only on disk.
func (m *Manager) ensureLoadedLocked() error {
	if m.loaded {
		return nil
	}
	return m.loadLocked()
}

// Grant adds the role now and schedules its removal. An earlier grant of the same
// role to the same member is replaced.
func (m *Manager) Grant(ctx context.Context, guildID, userID, roleID, grantedBy string, duration time.Duration) (Entry, error) {
	if duration <= 0 {
		return Entry{}, fmt.Errorf("timedroles: duration must be positive")
	}
	m.mu.Lock()
	err := m.ensureLoadedLocked()
	m.mu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("load timed roles: %w", err)
	}
	if err := m.api.AddRole(guildID, userID, roleID); err != nil {
		return Entry{}, fmt.Errorf("add role: %w", err)
	}

	now := m.now()
	entry := Entry{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		GrantedAt: now,
		ExpiresAt: now.Add(duration),
	}

	m.mu.Lock()
	var replaced []Entry
	for id, existing := range m.entries {
		if existing.GuildID == guildID && existing.UserID == userID && existing.RoleID == roleID {
			replaced = append(replaced, existing)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
	for _, old := range replaced {
		m.cancelJob(ctx, old)
	}

	job, err := m.scheduler.Schedule(ctx, JobKind, guildID, userID, entry.ID, entry.ExpiresAt)
	if err != nil {
		m.logger.Error("role expiry schedule failed", zap.String("entry_id", entry.ID), zap.Error(err))
	}
	entry.JobID = job.ID

	m.mu.Lock()
	m.entries[entry.ID] = entry
	err = m.persistLocked(historyEntry{Action: "granted", Entry: entry, By: grantedBy})
	m.mu.Unlock()
	if err != nil {
		return entry, err
	}

	m.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventTimedRole,
		fmt.Sprintf("role %s granted by %s until %s", roleID, grantedBy, entry.ExpiresAt.UTC().Format(time.RFC3339)))
	return entry, nil
}

// HandleExpiry is the scheduler handler for JobKind. The payload is the entry id.
func (m *Manager) HandleExpiry(ctx context.Context, job storage.ScheduledJob) error {
	err := m.Expire(ctx, job.Payload)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Expire removes the role and the entry. A member who left is not an error.
func (m *Manager) Expire(ctx context.Context, id string) error {
	return m.remove(ctx, id, "expired", "system")
}

// Revoke ends a timed role early.
func (m *Manager) Revoke(ctx context.Context, id, by string) error {
	return m.remove(ctx, id, "revoked", by)
}

func (m *Manager) remove(ctx context.Context, id, action, by string) error {
	m.mu.Lock()
	if err := m.ensureLoadedLocked(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load timed roles: %w", err)
	}
	entry, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := m.api.RemoveRole(entry.GuildID, entry.UserID, entry.RoleID); err != nil && !discord.IsGone(err) {
		return fmt.Errorf("remove role: %w", err)
	}
	if action != "expired" {
		m.cancelJob(ctx, entry)
	}

	m.mu.Lock()
	delete(m.entries, id)
	err := m.persistLocked(historyEntry{Action: action, Entry: entry, By: by})
	m.mu.Unlock()

	m.audit.Log(ctx, audit.LevelInfo, entry.GuildID, entry.UserID, audit.EventTimedRole,
		fmt.Sprintf("role %s %s", entry.RoleID, action))
	return err
}

// List returns a guild's timed roles, soonest expiry first.
func (m *Manager) List(guildID string) []Entry {
	m.mu.Lock()
	var out []Entry
	for _, entry := range m.entries {
		if guildID == "" || entry.GuildID == guildID {
			out = append(out, entry)
		}
	}
	m.mu.Unlock()
	sortByExpiry(out)
	return out
}

// Expired returns entries whose expiry is at or before now.
func (m *Manager) Expired(now time.Time) []Entry {
	m.mu.Lock()
	var out []Entry
	for _, entry := range m.entries {
		if !entry.ExpiresAt.After(now) {
			out = append(out, entry)
		}
	}
	m.mu.Unlock()
	sortByExpiry(out)
	return out
}

func (m *Manager) cancelJob(ctx context.Context, entry Entry) {
	if entry.JobID == "" {
		return
	}
	if err := m.scheduler.Cancel(ctx, entry.JobID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("role expiry cancel failed", zap.String("job_id", entry.JobID), zap.Error(err))
	}
}

func (m *Manager) persistLocked(entry historyEntry) error {
	roles := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		roles = append(roles, e)
	}
	sortByExpiry(roles)
	if err := jsonstore.WriteSnapshot(m.path, snapshot{Roles: roles}); err != nil {
		m.logger.Error("timed role snapshot write failed", zap.Error(err))
		return err
	}
	entry.At = m.now()
	if err := jsonstore.AppendHistory(m.historyPath, entry); err != nil {
		m.logger.Error("timed role history append failed", zap.Error(err))
		return err
	}
	return nil
}

func sortByExpiry(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
	})
}
