package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

type VaultStore struct {
	pool *pgxpool.Pool
}

func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

var _ store.VaultStore = (*VaultStore)(nil)

const vaultColumns = `id, owner_id, salt, forwarder_id, balance, committed, pending_payout,
	policy_type, policy_delay_seconds, policy_beneficiary,
	next_task_id, next_deadline, next_valid, task_seq, created_at, updated_at`

func scanVault(row pgx.Row) (*models.Vault, error) {
	var v models.Vault
	err := row.Scan(&v.ID, &v.OwnerID, &v.Salt, &v.ForwarderID, &v.Balance, &v.Committed, &v.PendingPayout,
		&v.PolicyType, &v.PolicyDelaySeconds, &v.PolicyBeneficiary,
		&v.NextTaskID, &v.NextDeadline, &v.NextValid, &v.TaskSeq, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (s *VaultStore) Create(ctx context.Context, tx store.Tx, v *models.Vault) error {
	err := q(s.pool, tx).QueryRow(ctx, `
		INSERT INTO vaults (id, owner_id, salt, forwarder_id, balance, committed, pending_payout,
			policy_type, policy_delay_seconds, policy_beneficiary, next_task_id, next_deadline, next_valid, task_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, v.ID, v.OwnerID, v.Salt, v.ForwarderID, v.Balance, v.Committed, v.PendingPayout,
		v.PolicyType, v.PolicyDelaySeconds, v.PolicyBeneficiary, v.NextTaskID, v.NextDeadline, v.NextValid, v.TaskSeq).
		Scan(&v.CreatedAt, &v.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConditionFailed
	}
	return err
}

func (s *VaultStore) GetByID(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	return scanVault(q(s.pool, tx).QueryRow(ctx, `
		SELECT `+vaultColumns+` FROM vaults WHERE id = $1
	`, id))
}

// GetForUpdate locks the vault row until the transaction ends. All mutating
// vault operations take this lock first, so operations on one vault are
// strictly serialized.
func (s *VaultStore) GetForUpdate(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	return scanVault(q(s.pool, tx).QueryRow(ctx, `
		SELECT `+vaultColumns+` FROM vaults WHERE id = $1 FOR UPDATE
	`, id))
}

func (s *VaultStore) UpdatePolicy(ctx context.Context, tx store.Tx, id uuid.UUID, policyType string, delaySeconds int64, beneficiary *uuid.UUID) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE vaults SET policy_type = $1, policy_delay_seconds = $2, policy_beneficiary = $3, updated_at = now()
		WHERE id = $4
	`, policyType, delaySeconds, beneficiary, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *VaultStore) Credit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := q(s.pool, tx).QueryRow(ctx, `
		UPDATE vaults SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return newBalance, err
}

func (s *VaultStore) Debit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := q(s.pool, tx).QueryRow(ctx, `
		UPDATE vaults SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrConditionFailed
	}
	return newBalance, err
}

// Reserve is the fund accounting guard: the committed counter grows only
// while the uncommitted balance covers the new reward.
func (s *VaultStore) Reserve(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE vaults SET committed = committed + $1, updated_at = now()
		WHERE id = $2 AND balance - committed - pending_payout >= $1
	`, amount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (s *VaultStore) Unreserve(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE vaults SET committed = committed - $1, updated_at = now()
		WHERE id = $2 AND committed >= $1
	`, amount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (s *VaultStore) AddPendingPayout(ctx context.Context, tx store.Tx, id uuid.UUID, delta int64) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE vaults SET pending_payout = pending_payout + $1, updated_at = now()
		WHERE id = $2 AND pending_payout + $1 >= 0
	`, delta, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (s *VaultStore) SetPointer(ctx context.Context, tx store.Tx, id uuid.UUID, taskID int64, deadline *time.Time, valid bool) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE vaults SET next_task_id = $1, next_deadline = $2, next_valid = $3, updated_at = now()
		WHERE id = $4
	`, taskID, deadline, valid, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *VaultStore) NextTaskID(ctx context.Context, tx store.Tx, id uuid.UUID) (int64, error) {
	var seq int64
	err := q(s.pool, tx).QueryRow(ctx, `
		UPDATE vaults SET task_seq = task_seq + 1, updated_at = now()
		WHERE id = $1
		RETURNING task_seq
	`, id).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return seq, err
}

func (s *VaultStore) ListDue(ctx context.Context, tx store.Tx, asOf time.Time, limit int) ([]store.VaultPointer, error) {
	rows, err := q(s.pool, tx).Query(ctx, `
		SELECT id, next_task_id, next_deadline
		FROM vaults
		WHERE next_valid AND next_deadline <= $1
		ORDER BY next_deadline ASC
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []store.VaultPointer
	for rows.Next() {
		var p store.VaultPointer
		if err := rows.Scan(&p.VaultID, &p.TaskID, &p.Deadline); err != nil {
			return nil, err
		}
		due = append(due, p)
	}
	return due, rows.Err()
}
