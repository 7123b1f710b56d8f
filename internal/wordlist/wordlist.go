// Package wordlist keeps an in-memory mirror of the blacklist and whitelist tables.
package wordlist

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"warden/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Store interface {
	ListWords(ctx context.Context, list storage.WordList) ([]storage.WordEntry, error)
	AddWord(ctx context.Context, entry storage.WordEntry) (storage.WordEntry, error)
	RemoveWord(ctx context.Context, list storage.WordList, word string) error
}

type Match struct {
	Found bool
	Words []string
}

type snapshot struct {
	blacklist []string
	whitelist []string
	allowed   map[string]struct{}
}

type Cache struct {
	store  Store
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	current *snapshot
}

func New(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// Refresh reloads both lists. Concurrent callers share one load; a failed load keeps the old snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		black, err := c.store.ListWords(ctx, storage.Blacklist)
		if err != nil {
			return nil, err
		}
		white, err := c.store.ListWords(ctx, storage.Whitelist)
		if err != nil {
			return nil, err
		}

		next := &snapshot{allowed: make(map[string]struct{}, len(white))}
		for _, entry := range black {
			if word := Normalize(entry.Word); word != "" {
				next.blacklist = append(next.blacklist, word)
			}
		}
		for _, entry := range white {
			if word := Normalize(entry.Word); word != "" {
				next.whitelist = append(next.whitelist, word)
				if token := strings.Join(Tokens(word), " "); token != "" {
					next.allowed[token] = struct{}{}
				}
			}
		}

		c.mu.Lock()
		c.current = next
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("word list refresh failed", zap.Error(err))
	}
	return err
}

func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

func (c *Cache) Blacklist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	return append([]string(nil), c.current.blacklist...)
}

func (c *Cache) Whitelist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	return append([]string(nil), c.current.whitelist...)
}

// Contains reports blacklisted substrings in text. A single whitelisted token exempts
// the whole message; whitelist entries are stripped the same way as tokens. An
// uninitialised cache finds nothing.
func (c *Cache) Contains(text string) Match {
	c.mu.RLock()
	snap := c.current
	c.mu.RUnlock()
	if snap == nil || len(snap.blacklist) == 0 {
		return Match{}
	}

	normalized := Normalize(text)
	for _, token := range Tokens(normalized) {
		if _, ok := snap.allowed[token]; ok {
			return Match{}
		}
	}

	var words []string
	for _, word := range snap.blacklist {
		if strings.Contains(normalized, word) {
			words = append(words, word)
		}
	}
	if len(words) == 0 {
		return Match{}
	}
	return Match{Found: true, Words: words}
}

func (c *Cache) Add(ctx context.Context, list storage.WordList, word, addedBy, reason string) (storage.WordEntry, error) {
	entry, err := c.store.AddWord(ctx, storage.WordEntry{List: list, Word: Normalize(word), AddedBy: addedBy, Reason: reason})
	if err != nil {
		return storage.WordEntry{}, err
	}
	_ = c.Refresh(ctx)
	return entry, nil
}

func (c *Cache) Remove(ctx context.Context, list storage.WordList, word string) error {
	if err := c.store.RemoveWord(ctx, list, Normalize(word)); err != nil {
		return err
	}
	_ = c.Refresh(ctx)
	return nil
}

// Normalize lowercases, strips diacritics and trims.
func Normalize(input string) string {
	folded := cases.Lower(language.Und).String(input)
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(stripper, folded); err == nil {
		folded = out
	}
	return strings.TrimSpace(folded)
}

// Tokens splits on whitespace and drops punctuation and symbols inside each token.
func Tokens(text string) []string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return -1
			}
			return r
		}, field)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}
