// Package violations counts blacklist offenses per member.
//
// Ordinary violations live in a sliding window measured from the previous violation.
// Severe violations never expire.
package violations

import (
	"context"
	"sync"
	"time"

	"warden/internal/clock"

	"go.uber.org/zap"
)

const DefaultWindow = 10 * time.Minute

// SevereStore persists severe counts so escalation survives restarts.
type SevereStore interface {
	SevereCount(ctx context.Context, guildID, userID string) (int, error)
	IncrementSevere(ctx context.Context, guildID, userID string) (int, error)
}

type Record struct {
	Count         int
	LastViolation time.Time
}

type key struct {
	guildID string
	userID  string
}

type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	clock    clock.Clock
	store    SevereStore
	logger   *zap.Logger
	ordinary map[key]*Record
	severe   map[key]int
}

func New(window time.Duration, store SevereStore, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		clock:    clock.Real(),
		store:    store,
		logger:   logger,
		ordinary: make(map[key]*Record),
		severe:   make(map[key]int),
	}
}

func (t *Tracker) WithClock(c clock.Clock) {
	t.clock = c
}

// Track records an ordinary violation. A gap longer than the window restarts the count.
func (t *Tracker) Track(guildID, userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	k := key{guildID, userID}
	rec := t.ordinary[k]
	if rec == nil {
		rec = &Record{}
		t.ordinary[k] = rec
	}
	if !rec.LastViolation.IsZero() && now.Sub(rec.LastViolation) > t.window {
		rec.Count = 0
	}
	rec.Count++
	rec.LastViolation = now
	return *rec
}

func (t *Tracker) Current(guildID, userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ordinary[key{guildID, userID}]
	if rec == nil {
		return Record{}
	}
	if t.clock.Now().Sub(rec.LastViolation) > t.window {
		return Record{LastViolation: rec.LastViolation}
	}
	return *rec
}

// TrackSevere returns the cumulative severe count including this one.
func (t *Tracker) TrackSevere(ctx context.Context, guildID, userID string) int {
	k := key{guildID, userID}

	t.mu.Lock()
	count, known := t.severe[k]
	t.mu.Unlock()

	if !known && t.store != nil {
		stored, err := t.store.SevereCount(ctx, guildID, userID)
		if err != nil {
			t.logger.Warn("severe count load failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			count = stored
		}
	}

	t.mu.Lock()
	if current, ok := t.severe[k]; ok && current > count {
		count = current
	}
	count++
	t.severe[k] = count
	t.mu.Unlock()

	if t.store != nil {
		if _, err := t.store.IncrementSevere(ctx, guildID, userID); err != nil {
			t.logger.Warn("severe count persist failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return count
}

// Reset clears the ordinary count. Severe history is kept on purpose.
func (t *Tracker) Reset(guildID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ordinary, key{guildID, userID})
}
