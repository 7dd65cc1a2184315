package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vmplane/internal/store"

	"github.com/google/uuid"
)

const commandColumns = `id, seq, tenant_id, agent_id, command_type, payload, status, result,
	error_message, queued_at, started_at, completed_at`

func scanCommand(row rowScanner) (*store.Command, error) {
	var c store.Command
	var result []byte
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Seq, &c.TenantID, &c.AgentID, &c.CommandType, &c.Payload, &c.Status, &result,
		&errMsg, &c.QueuedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(result) > 0 {
		c.Result = result
	}
	if errMsg.Valid {
		c.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// CreateCommand inserts a queued command. The sequence number is assigned by the database.
func (s *Store) CreateCommand(ctx context.Context, cmd *store.Command) error {
	query := `
		INSERT INTO commands (id, tenant_id, agent_id, command_type, payload, status, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`

	payload := []byte(cmd.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := s.db.QueryRowContext(ctx, query,
		cmd.ID, cmd.TenantID, cmd.AgentID, cmd.CommandType, payload, cmd.Status, cmd.QueuedAt,
	).Scan(&cmd.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert command %s: %w", cmd.ID, err)
	}
	return nil
}

// GetCommand returns a command scoped to the tenant.
func (s *Store) GetCommand(ctx context.Context, tenantID string, id uuid.UUID) (*store.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE tenant_id = $1 AND id = $2`
	return scanCommand(s.db.QueryRowContext(ctx, query, tenantID, id))
}

// ListCommands returns the tenant's commands ordered by queued_at ascending.
func (s *Store) ListCommands(ctx context.Context, tenantID string, filter store.CommandFilter) ([]store.Command, error) {
	args := []interface{}{tenantID}
	conditions := []string{"tenant_id = $1"}

	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CommandType != "" {
		args = append(args, filter.CommandType)
		conditions = append(conditions, fmt.Sprintf("command_type = $%d", len(args)))
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM commands
		WHERE %s
		ORDER BY queued_at ASC, seq ASC
		LIMIT $%d OFFSET $%d
	`, commandColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands query failed: %w", err)
	}
	defer rows.Close()

	var commands []store.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("list commands scan failed: %w", err)
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands rows error: %w", err)
	}

	return commands, nil
}

// ClaimNextCommand claims the oldest queued command for an agent in a single
// statement. SKIP LOCKED lets concurrent pollers pass over a row another poller
// is claiming, so one row is never returned twice.
func (s *Store) ClaimNextCommand(ctx context.Context, tenantID, agentID string, cutoff, now time.Time) (*store.Command, error) {
	query := `
		UPDATE commands
		SET status = 'dispatched', started_at = $4
		WHERE id = (
			SELECT id FROM commands
			WHERE tenant_id = $1 AND agent_id = $2 AND status = 'queued'
			  AND queued_at >= $3
			ORDER BY queued_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + commandColumns

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, tenantID, agentID, cutoff, now))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	return cmd, nil
}

// UpdateCommandStatus is a compare-and-set on the status column.
func (s *Store) UpdateCommandStatus(ctx context.Context, tenantID string, id uuid.UUID, from store.CommandStatus, update store.CommandUpdate) (*store.Command, error) {
	query := `
		UPDATE commands
		SET status = $4,
			started_at = COALESCE(started_at, $5),
			completed_at = $6,
			result = $7,
			error_message = $8
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING ` + commandColumns

	var errMsg sql.NullString
	if update.ErrorMessage != nil {
		errMsg = sql.NullString{String: *update.ErrorMessage, Valid: true}
	}

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query,
		tenantID, id, from, update.Status, update.StartedAt, update.CompletedAt, nullJSON(update.Result), errMsg,
	))
	if err == nil {
		return cmd, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("status update failed: %w", err)
	}

	// Zero rows: either the id is unknown or the status moved under us.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM commands WHERE tenant_id = $1 AND id = $2)`, tenantID, id,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrStatusConflict
}

// ExpireStaleCommands expires abandoned work in one statement.
func (s *Store) ExpireStaleCommands(ctx context.Context, tenantID string, cutoff, now time.Time, message string) (int64, error) {
	query := `
		UPDATE commands
		SET status = 'expired', completed_at = $3, error_message = $4
		WHERE tenant_id = $1
		  AND ((status = 'queued' AND queued_at < $2)
		    OR (status = 'dispatched' AND started_at < $2))
	`

	res, err := s.db.ExecContext(ctx, query, tenantID, cutoff, now, message)
	if err != nil {
		return 0, fmt.Errorf("expire stale commands failed: %w", err)
	}
	return res.RowsAffected()
}

// CountQueuedCommands counts queued commands across all tenants.
func (s *Store) CountQueuedCommands(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE status = 'queued'`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
