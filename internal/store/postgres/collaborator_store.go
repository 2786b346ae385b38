package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/store"
)

type CollaboratorStore struct {
	pool *pgxpool.Pool
}

func NewCollaboratorStore(pool *pgxpool.Pool) *CollaboratorStore {
	return &CollaboratorStore{pool: pool}
}

var _ store.CollaboratorStore = (*CollaboratorStore)(nil)

func (s *CollaboratorStore) Link(ctx context.Context, tx store.Tx, vaultID, accountID uuid.UUID) error {
	_, err := q(s.pool, tx).Exec(ctx, `
		INSERT INTO vault_collaborators (vault_id, account_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, vaultID, accountID)
	return err
}

func (s *CollaboratorStore) IsLinked(ctx context.Context, tx store.Tx, vaultID, accountID uuid.UUID) (bool, error) {
	var linked bool
	err := q(s.pool, tx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM vault_collaborators WHERE vault_id = $1 AND account_id = $2
		)
	`, vaultID, accountID).Scan(&linked)
	return linked, err
}
