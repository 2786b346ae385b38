package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

var _ store.TaskStore = (*TaskStore)(nil)

const taskColumns = `vault_id, id, description, reward, deadline, status,
	policy_type, policy_delay_seconds, policy_beneficiary, claimable_at, released, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.VaultID, &t.ID, &t.Description, &t.Reward, &t.Deadline, &t.Status,
		&t.PolicyType, &t.PolicyDelaySeconds, &t.PolicyBeneficiary, &t.ClaimableAt, &t.Released, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) Create(ctx context.Context, tx store.Tx, t *models.Task) error {
	return q(s.pool, tx).QueryRow(ctx, `
		INSERT INTO tasks (vault_id, id, description, reward, deadline, status,
			policy_type, policy_delay_seconds, policy_beneficiary, claimable_at, released)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, t.VaultID, t.ID, t.Description, t.Reward, t.Deadline, t.Status,
		t.PolicyType, t.PolicyDelaySeconds, t.PolicyBeneficiary, t.ClaimableAt, t.Released).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *TaskStore) Get(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) (*models.Task, error) {
	return scanTask(q(s.pool, tx).QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE vault_id = $1 AND id = $2
	`, vaultID, taskID))
}

func (s *TaskStore) SetStatus(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, status string) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now() WHERE vault_id = $2 AND id = $3
	`, status, vaultID, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) SetClaimable(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, claimableAt time.Time) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE tasks SET claimable_at = $1, updated_at = now() WHERE vault_id = $2 AND id = $3
	`, claimableAt, vaultID, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) MarkReleased(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE tasks SET released = TRUE, updated_at = now()
		WHERE vault_id = $1 AND id = $2 AND NOT released
	`, vaultID, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (s *TaskStore) SoonestPending(ctx context.Context, tx store.Tx, vaultID uuid.UUID) (int64, time.Time, bool, error) {
	var taskID int64
	var deadline time.Time
	err := q(s.pool, tx).QueryRow(ctx, `
		SELECT id, deadline FROM tasks
		WHERE vault_id = $1 AND status = 'pending'
		ORDER BY deadline ASC, id ASC
		LIMIT 1
	`, vaultID).Scan(&taskID, &deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return taskID, deadline, true, nil
}

func (s *TaskStore) ListByVault(ctx context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.Task, error) {
	rows, err := q(s.pool, tx).Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE vault_id = $1 ORDER BY id ASC
	`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.VaultID, &t.ID, &t.Description, &t.Reward, &t.Deadline, &t.Status,
			&t.PolicyType, &t.PolicyDelaySeconds, &t.PolicyBeneficiary, &t.ClaimableAt, &t.Released, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
