// Package registry creates vaults at deterministic, owner-derived ids. The
// id is a pure function of (owner, nonce), so a client can predict where its
// vault will live before the vault exists and can fund that id up front.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/events"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

// ErrAlreadyDeployed is returned when a vault already exists at the
// predicted id for (owner, nonce).
var ErrAlreadyDeployed = errors.New("vault already deployed")

// vaultNamespace seeds the deterministic id derivation. Fixed forever;
// changing it would move every predicted id.
var vaultNamespace = uuid.MustParse("8f3c1d2e-5a74-4b91-9c06-2d8e47f0a613")

type Service struct {
	DB     store.DB
	Vaults store.VaultStore
	Bus    *events.Bus
	Log    *slog.Logger
}

func NewService(db store.DB, vaults store.VaultStore, bus *events.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{DB: db, Vaults: vaults, Bus: bus, Log: log}
}

// salt is the canonical encoding hashed into the vault id. Stored on the
// vault row so the derivation is auditable.
func salt(owner uuid.UUID, nonce uint64) string {
	return fmt.Sprintf("%s:%d", owner, nonce)
}

// PredictID returns the id a vault for (owner, nonce) will be created at.
// Pure; does not consult storage.
func PredictID(owner uuid.UUID, nonce uint64) uuid.UUID {
	return uuid.NewSHA1(vaultNamespace, []byte(salt(owner, nonce)))
}

// CreateVault inserts the vault at its predicted id. At most one vault ever
// exists per (owner, nonce); a repeat call fails with ErrAlreadyDeployed and
// changes nothing.
func (s *Service) CreateVault(ctx context.Context, owner uuid.UUID, nonce uint64, forwarder uuid.UUID) (*models.Vault, error) {
	v := &models.Vault{
		ID:          PredictID(owner, nonce),
		OwnerID:     owner,
		Salt:        salt(owner, nonce),
		ForwarderID: forwarder,
		PolicyType:  models.PolicyNone,
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.Vaults.Create(ctx, tx, v); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrAlreadyDeployed
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Bus.Publish(events.Event{Type: events.TypeVaultCreated, VaultID: v.ID, Message: v.Salt})
	s.Log.Info("vault created", "vault_id", v.ID, "owner_id", owner, "nonce", nonce)
	return v, nil
}
