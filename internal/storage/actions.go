package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type ModerationAction struct {
	ActionID    string
	GuildID     string
	UserID      string
	ModeratorID string
	Action      string
	Reason      string
	Duration    time.Duration
	Active      bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (s *Store) CreateModerationAction(ctx context.Context, action ModerationAction) (ModerationAction, error) {
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = s.now()
	}
	if action.ExpiresAt.IsZero() && action.Duration > 0 {
		action.ExpiresAt = action.CreatedAt.Add(action.Duration)
	}
	var expires int64
	if !action.ExpiresAt.IsZero() {
		expires = action.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO moderation_actions (action_id, guild_id, user_id, moderator_id, action, reason, duration_seconds, active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		action.ActionID,
		action.GuildID,
		action.UserID,
		action.ModeratorID,
		action.Action,
		action.Reason,
		int64(action.Duration/time.Second),
		boolToInt(action.Active),
		action.CreatedAt.Unix(),
		expires,
	)
	if err != nil {
		return ModerationAction{}, err
	}
	return action, nil
}

func (s *Store) GetModerationAction(ctx context.Context, actionID string) (ModerationAction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT action_id, guild_id, user_id, moderator_id, action, reason, duration_seconds, active, created_at, expires_at
		FROM moderation_actions WHERE action_id = ?
	`), actionID)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModerationAction{}, ErrNotFound
	}
	return action, err
}

// ListActiveActions returns active actions of one kind for a guild, oldest first.
func (s *Store) ListActiveActions(ctx context.Context, guildID, kind string) ([]ModerationAction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT action_id, guild_id, user_id, moderator_id, action, reason, duration_seconds, active, created_at, expires_at
		FROM moderation_actions
		WHERE guild_id = ? AND action = ? AND active = 1
		ORDER BY created_at ASC
	`), guildID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []ModerationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func (s *Store) HasActiveAction(ctx context.Context, guildID, userID, kind string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM moderation_actions
		WHERE guild_id = ? AND user_id = ? AND action = ? AND active = 1
	`), guildID, userID, kind)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) SetModerationActionActive(ctx context.Context, actionID string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE moderation_actions SET active = ? WHERE action_id = ?`), boolToInt(active), actionID)
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

func scanAction(row scanner) (ModerationAction, error) {
	var action ModerationAction
	var duration, created, expires int64
	var active int
	err := row.Scan(&action.ActionID, &action.GuildID, &action.UserID, &action.ModeratorID, &action.Action,
		&action.Reason, &duration, &active, &created, &expires)
	if err != nil {
		return ModerationAction{}, err
	}
	action.Duration = time.Duration(duration) * time.Second
	action.Active = active == 1
	action.CreatedAt = time.Unix(created, 0)
	if expires > 0 {
		action.ExpiresAt = time.Unix(expires, 0)
	}
	return action, nil
}
