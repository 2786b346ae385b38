package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ store.LedgerStore = (*LedgerStore)(nil)

func (s *LedgerStore) Create(ctx context.Context, tx store.Tx, e *models.LedgerEntry) error {
	return q(s.pool, tx).QueryRow(ctx, `
		INSERT INTO ledger_entries (id, vault_id, task_id, account_id, entry_type, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.VaultID, e.TaskID, e.AccountID, e.EntryType, e.Amount, e.BalanceAfter).Scan(&e.CreatedAt)
}

func (s *LedgerStore) ListByVault(ctx context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := q(s.pool, tx).Query(ctx, `
		SELECT id, vault_id, task_id, account_id, entry_type, amount, balance_after, created_at
		FROM ledger_entries WHERE vault_id = $1 ORDER BY created_at DESC
	`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.VaultID, &e.TaskID, &e.AccountID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
