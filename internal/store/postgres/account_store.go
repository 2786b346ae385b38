package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

type AccountStore struct {
	pool *pgxpool.Pool
}

func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

var _ store.AccountStore = (*AccountStore)(nil)

const accountColumns = `id, email, display_name, password_hash, public_key, webhook_url, balance, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.PublicKey, &a.WebhookURL, &a.Balance, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) Create(ctx context.Context, tx store.Tx, a *models.Account) error {
	err := q(s.pool, tx).QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, public_key, webhook_url, balance, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.PublicKey, a.WebhookURL, a.Balance, a.IsActive).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConditionFailed
	}
	return err
}

func (s *AccountStore) GetByID(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(q(s.pool, tx).QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id))
}

func (s *AccountStore) GetByEmail(ctx context.Context, tx store.Tx, email string) (*models.Account, error) {
	return scanAccount(q(s.pool, tx).QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE email = $1
	`, email))
}

// Credit adds amount to an active account. Inactive or missing recipients
// reject the payment, surfaced as store.ErrConditionFailed.
func (s *AccountStore) Credit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := q(s.pool, tx).QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2 AND is_active
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrConditionFailed
	}
	return newBalance, err
}

// Debit atomically subtracts amount iff balance >= amount.
func (s *AccountStore) Debit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := q(s.pool, tx).QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrConditionFailed
	}
	return newBalance, err
}

func (s *AccountStore) SetActive(ctx context.Context, tx store.Tx, id uuid.UUID, active bool) error {
	tag, err := q(s.pool, tx).Exec(ctx, `
		UPDATE accounts SET is_active = $1, updated_at = now() WHERE id = $2
	`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
