package postgres

import (
	"context"
	"vmplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) AddCommandLog(ctx context.Context, commandID uuid.UUID, content string) error {
	query := `INSERT INTO command_logs (command_id, content) VALUES ($1, $2)`
	_, err := s.db.ExecContext(ctx, query, commandID, content)
	return err
}

func (s *Store) GetCommandLogs(ctx context.Context, commandID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	query := `
		SELECT id, command_id, content, created_at
		FROM command_logs
		WHERE command_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, commandID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.CommandID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
