package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SevereCount returns how many severe offenses a user has ever committed in a guild.
func (s *Store) SevereCount(ctx context.Context, guildID, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT offense_count FROM severe_offenses WHERE guild_id = ? AND user_id = ?
	`), guildID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// IncrementSevere bumps the counter in a transaction and returns the new value. It never resets.
func (s *Store) IncrementSevere(ctx context.Context, guildID, userID string) (int, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count int
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT offense_count FROM severe_offenses WHERE guild_id = ? AND user_id = ?
	`), guildID, userID)
	scanErr := row.Scan(&count)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = scanErr
		return 0, err
	}

	count++
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO severe_offenses (guild_id, user_id, offense_count, last_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			offense_count = excluded.offense_count,
			last_at = excluded.last_at
	`), guildID, userID, count, now.Unix())
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
