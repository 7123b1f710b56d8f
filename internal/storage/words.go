package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type WordList string

const (
	Blacklist WordList = "blacklist"
	Whitelist WordList = "whitelist"
)

func (l WordList) Valid() bool {
	return l == Blacklist || l == Whitelist
}

type WordEntry struct {
	List         WordList
	Word         string
	AddedBy      string
	AddedAt      time.Time
	PunishmentID string
	Reason       string
}

// AddWord inserts a lowercase, trimmed word. An existing word in the same list yields ErrDuplicate.
func (s *Store) AddWord(ctx context.Context, entry WordEntry) (WordEntry, error) {
	entry.Word = strings.ToLower(strings.TrimSpace(entry.Word))
	if entry.Word == "" {
		return WordEntry{}, errors.New("storage: empty word")
	}
	if !entry.List.Valid() {
		return WordEntry{}, errors.New("storage: unknown word list")
	}
	if entry.AddedBy == "" {
		entry.AddedBy = "system"
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = s.now()
	}
	if entry.PunishmentID == "" {
		entry.PunishmentID = uuid.NewString()
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO word_entries (list, word, added_by, added_at, punishment_id, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), string(entry.List), entry.Word, entry.AddedBy, entry.AddedAt.Unix(), entry.PunishmentID, entry.Reason)
	if err != nil {
		return WordEntry{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WordEntry{}, err
	}
	if affected == 0 {
		return WordEntry{}, ErrDuplicate
	}
	return entry, nil
}

func (s *Store) RemoveWord(ctx context.Context, list WordList, word string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM word_entries WHERE list = ? AND word = ?`),
		string(list), strings.ToLower(strings.TrimSpace(word)))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetWord(ctx context.Context, list WordList, word string) (WordEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT list, word, added_by, added_at, punishment_id, reason
		FROM word_entries WHERE list = ? AND word = ?
	`), string(list), strings.ToLower(strings.TrimSpace(word)))
	entry, err := scanWord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WordEntry{}, ErrNotFound
	}
	return entry, err
}

func (s *Store) ListWords(ctx context.Context, list WordList) ([]WordEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT list, word, added_by, added_at, punishment_id, reason
		FROM word_entries WHERE list = ? ORDER BY word
	`), string(list))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []WordEntry
	for rows.Next() {
		entry, err := scanWord(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWord(row scanner) (WordEntry, error) {
	var entry WordEntry
	var list string
	var added int64
	if err := row.Scan(&list, &entry.Word, &entry.AddedBy, &added, &entry.PunishmentID, &entry.Reason); err != nil {
		return WordEntry{}, err
	}
	entry.List = WordList(list)
	entry.AddedAt = time.Unix(added, 0)
	return entry, nil
}
