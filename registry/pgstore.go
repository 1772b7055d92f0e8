package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// PGStore persists the channel set in Postgres.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) Load(ctx context.Context) ([]Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel_id, channel_name, added_at FROM channels ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PGStore) Insert(ctx context.Context, ch Channel) error {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO channels (channel_id, channel_name, added_at) VALUES ($1,$2,$3) ON CONFLICT (channel_id) DO NOTHING`,
		ch.ID, ch.Name, ch.AddedAt)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, channelID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM channels WHERE channel_id=$1`, channelID)
	return err
}
