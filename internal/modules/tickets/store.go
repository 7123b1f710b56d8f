package tickets

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"warden/internal/discord"
	"warden/internal/jsonstore"

	"github.com/bwmarrin/discordgo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const snapshotFile = "activeTickets.json"

type Mapping struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId"`
}

type snapshot struct {
	Tickets   map[string]string `json:"tickets"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type historyEntry struct {
	Action   string    `json:"action"`
	UserID   string    `json:"userId"`
	ThreadID string    `json:"threadId"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ChannelFetcher resolves a thread by id; the orphan sweep only looks at the error.
type ChannelFetcher interface {
	Channel(channelID string) (*discordgo.Channel, error)
}

// Store owns the user to thread mapping. Both directions are kept consistent and every
// mutation is on disk before the call returns.
type Store struct {
	path        string
	historyPath string
	logger      *zap.Logger
	workers     int
	now         func() time.Time

	mu       sync.RWMutex
	loaded   bool
	byUser   map[string]string
	byThread map[string]string
}

func NewStore(dataDir string, workers int, logger *zap.Logger) *Store {
	if workers <= 0 {
		workers = 4
	}
	path := filepath.Join(dataDir, snapshotFile)
	return &Store{
		path:        path,
		historyPath: jsonstore.HistoryPath(path),
		logger:      logger,
		workers:     workers,
		now:         time.Now,
		byUser:      make(map[string]string),
		byThread:    make(map[string]string),
	}
}

// Load replaces the in-memory maps with the last snapshot. No file means no tickets.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// ensureLoadedLocked reads the snapshot before the first write so a mutation never
// overwrites mappings that are only on disk.
func (s *Store) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	var snap snapshot
	if _, err := jsonstore.ReadSnapshot(s.path, &snap); err != nil {
		return err
	}
	s.byUser = make(map[string]string, len(snap.Tickets))
	s.byThread = make(map[string]string, len(snap.Tickets))
	for userID, threadID := range snap.Tickets {
		if userID == "" || threadID == "" {
			continue
		}
		if previous, ok := s.byThread[threadID]; ok {
			// a thread can only belong to one user; keep the first seen deterministically
			if previous < userID {
				continue
			}
			delete(s.byUser, previous)
		}
		s.byUser[userID] = threadID
		s.byThread[threadID] = userID
	}
	s.loaded = true
	s.logger.Info("tickets loaded", zap.Int("count", len(s.byUser)))
	return nil
}

// Set maps userID to threadID. If the snapshot cannot be written the maps are left
// as they were.
func (s *Store) Set(userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	prevThread, hadUser := s.byUser[userID]
	prevUser, hadThread := s.byThread[threadID]

	if hadUser && prevThread != threadID {
		delete(s.byThread, prevThread)
	}
	if hadThread && prevUser != userID {
		delete(s.byUser, prevUser)
	}
	s.byUser[userID] = threadID
	s.byThread[threadID] = userID

	if err := s.persistLocked(historyEntry{Action: "set", UserID: userID, ThreadID: threadID}); err != nil {
		delete(s.byUser, userID)
		delete(s.byThread, threadID)
		if hadUser {
			s.byUser[userID] = prevThread
			s.byThread[prevThread] = userID
		}
		if hadThread {
			s.byUser[prevUser] = threadID
			s.byThread[threadID] = prevUser
		}
		return err
	}
	return nil
}

// Remove drops a mapping given either side. It reports the pair that was removed.
func (s *Store) Remove(userID, threadID, reason string) (Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return Mapping{}, false, err
	}
	if userID == "" {
		userID = s.byThread[threadID]
	}
	if threadID == "" {
		threadID = s.byUser[userID]
	}
	if userID == "" || threadID == "" {
		return Mapping{}, false, nil
	}
	ownsThread := s.byUser[userID] == threadID
	ownedByUser := s.byThread[threadID] == userID
	if !ownsThread && !ownedByUser {
		return Mapping{}, false, nil
	}
	if ownsThread {
		delete(s.byUser, userID)
	}
	if ownedByUser {
		delete(s.byThread, threadID)
	}
	if err := s.persistLocked(historyEntry{Action: "remove", UserID: userID, ThreadID: threadID, Reason: reason}); err != nil {
		if ownsThread {
			s.byUser[userID] = threadID
		}
		if ownedByUser {
			s.byThread[threadID] = userID
		}
		return Mapping{}, false, err
	}
	return Mapping{UserID: userID, ThreadID: threadID}, true, nil
}

func (s *Store) ThreadForUser(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threadID, ok := s.byUser[userID]
	return threadID, ok
}

func (s *Store) UserForThread(threadID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byThread[threadID]
	return userID, ok
}

func (s *Store) HasActiveTicket(userID string) bool {
	_, ok := s.ThreadForUser(userID)
	return ok
}

// All returns every mapping ordered by user id.
func (s *Store) All() []Mapping {
	s.mu.RLock()
	out := make([]Mapping, 0, len(s.byUser))
	for userID, threadID := range s.byUser {
		out = append(out, Mapping{UserID: userID, ThreadID: threadID})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// CleanupOrphans looks up every thread with bounded parallelism and purges the ones
// Discord reports as unknown or inaccessible. Any other failure keeps the mapping.
func (s *Store) CleanupOrphans(ctx context.Context, fetcher ChannelFetcher) ([]Mapping, error) {
	var (
		p       = pool.New().WithContext(ctx).WithMaxGoroutines(s.workers)
		mu      sync.Mutex
		orphans []Mapping
	)
	for _, mapping := range s.All() {
		mapping := mapping
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := fetcher.Channel(mapping.ThreadID)
			if err == nil {
				return nil
			}
			if discord.IsUnknownChannel(err) || discord.IsMissingAccess(err) {
				mu.Lock()
				orphans = append(orphans, mapping)
				mu.Unlock()
				return nil
			}
			s.logger.Warn("ticket thread lookup failed, keeping mapping",
				zap.String("thread_id", mapping.ThreadID),
				zap.Error(err))
			return nil
		})
	}
	waitErr := p.Wait()

	var removed []Mapping
	for _, orphan := range orphans {
		mapping, ok, err := s.Remove(orphan.UserID, orphan.ThreadID, "orphaned")
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, mapping)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("orphaned tickets removed", zap.Int("count", len(removed)))
	}
	return removed, waitErr
}

func (s *Store) persistLocked(entry historyEntry) error {
	now := s.now()
	tickets := make(map[string]string, len(s.byUser))
	for userID, threadID := range s.byUser {
		tickets[userID] = threadID
	}
	if err := jsonstore.WriteSnapshot(s.path, snapshot{Tickets: tickets, UpdatedAt: now}); err != nil {
		s.logger.Error("ticket snapshot write failed", zap.Error(err))
		return err
	}
	entry.At = now
	// the snapshot is authoritative; a lost history line must not undo a written change
	if err := jsonstore.AppendHistory(s.historyPath, entry); err != nil {
		s.logger.Error("ticket history append failed", zap.Error(err))
	}
	return nil
}
