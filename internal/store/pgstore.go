package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxline/conductor/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Context data and the
// history log are stored as JSONB columns on the instance row, so a save
// commits the state change and its history entry atomically.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new workflow instance.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	contextJSON, historyJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			instance_id, workflow_id, current_state, status,
			context_data, history_log, version,
			created_at, last_transition_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.InstanceID, inst.WorkflowID, inst.CurrentState, inst.Status,
		contextJSON, historyJSON, inst.Version,
		inst.CreatedAt, inst.LastTransitionAt, inst.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT instance_id, workflow_id, current_state, status,
		       context_data, history_log, version,
		       created_at, last_transition_at, expires_at
		FROM workflow_instances
		WHERE instance_id = $1`,
		instanceID,
	)

	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Save persists an updated instance with a version-guarded UPDATE.
func (s *PgStore) Save(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	contextJSON, historyJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_state = $1,
			status = $2,
			context_data = $3,
			history_log = $4,
			version = $5,
			last_transition_at = $6,
			expires_at = $7
		WHERE instance_id = $8 AND version = $9`,
		inst.CurrentState, inst.Status, contextJSON, historyJSON,
		expectedVersion+1, inst.LastTransitionAt, inst.ExpiresAt,
		inst.InstanceID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a vanished instance.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE instance_id = $1)`,
			inst.InstanceID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check workflow instance: %w", err)
		}
		if !exists {
			return model.NewNotFoundError(
				fmt.Sprintf("workflow instance %q not found", inst.InstanceID),
			)
		}
		return model.NewVersionConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.InstanceID, expectedVersion),
		)
	}
	return nil
}

// List returns instance summaries matching the filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error) {
	query := `SELECT instance_id, workflow_id, current_state, status, created_at, last_transition_at
	          FROM workflow_instances WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filters.WorkflowID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var result []model.InstanceSummary
	for rows.Next() {
		var sum model.InstanceSummary
		if err := rows.Scan(
			&sum.InstanceID, &sum.WorkflowID, &sum.CurrentState, &sum.Status,
			&sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance summary: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// FindExpired returns active instances past their expiration time.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, workflow_id, current_state, status,
		       context_data, history_log, version,
		       created_at, last_transition_at, expires_at
		FROM workflow_instances
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at ASC`,
		model.StatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired instances: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// Delete removes a workflow instance.
func (s *PgStore) Delete(ctx context.Context, instanceID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_instances WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var contextJSON, historyJSON []byte

	err := row.Scan(
		&inst.InstanceID, &inst.WorkflowID, &inst.CurrentState, &inst.Status,
		&contextJSON, &historyJSON, &inst.Version,
		&inst.CreatedAt, &inst.LastTransitionAt, &inst.ExpiresAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.ContextData); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal context data: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.HistoryLog); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal history log: %w", err)
		}
	}
	return inst, nil
}

func marshalInstanceDocs(inst model.WorkflowInstance) (contextJSON, historyJSON []byte, err error) {
	contextJSON, err = json.Marshal(inst.ContextData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context data: %w", err)
	}
	historyJSON, err = json.Marshal(inst.HistoryLog)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history log: %w", err)
	}
	return contextJSON, historyJSON, nil
}
