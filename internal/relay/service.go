// Package relay is the privileged execution surface of a vault. A single
// configured forwarder account may run arbitrary calls on the vault's
// behalf: deliver a payload to a destination account's webhook, move credits
// along with it, and validate request signatures against the owner's key.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/escrow"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

var (
	// ErrNotFromEntryPoint is returned when the caller is not the vault's
	// configured forwarder.
	ErrNotFromEntryPoint = errors.New("caller is not the vault forwarder")

	// ErrExecutionFailed wraps a destination failure. The surrounding
	// transaction rolls back, so the value transfer is undone with it.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrPayPrefundFailed is returned when the forwarder's prefund transfer
	// is rejected during validation.
	ErrPayPrefundFailed = errors.New("prefund payment failed")

	ErrVaultNotFound = errors.New("vault not found")
)

// Validation result codes. A failed signature is a result, not an error.
const (
	ValidationOK     = 0
	ValidationFailed = 1
)

type Service struct {
	DB       store.DB
	Vaults   store.VaultStore
	Accounts store.AccountStore
	Guard    *escrow.Guard
	Client   *http.Client
	Log      *slog.Logger
}

func NewService(db store.DB, vaults store.VaultStore, accounts store.AccountStore, guard *escrow.Guard, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		DB:       db,
		Vaults:   vaults,
		Accounts: accounts,
		Guard:    guard,
		Client:   &http.Client{Timeout: 30 * time.Second},
		Log:      log,
	}
}

func (s *Service) lockVaultAs(ctx context.Context, tx store.Tx, callerID, vaultID uuid.UUID) (*models.Vault, error) {
	v, err := s.Vaults.GetForUpdate(ctx, tx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	if v.ForwarderID != callerID {
		return nil, ErrNotFromEntryPoint
	}
	return v, nil
}

// Execute delivers payload to the destination account's webhook and moves
// value credits from the vault to it, as one unit: a non-2xx response or a
// rejected transfer rolls everything back. The destination's response body
// is returned on success.
func (s *Service) Execute(ctx context.Context, callerID, vaultID, destID uuid.UUID, value int64, payload json.RawMessage) ([]byte, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockVaultAs(ctx, tx, callerID, vaultID); err != nil {
		return nil, err
	}
	dest, err := s.Accounts.GetByID(ctx, tx, destID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: destination account not found", ErrExecutionFailed)
		}
		return nil, err
	}
	if value > 0 {
		if err := s.Guard.PayOut(ctx, tx, vaultID, destID, nil, models.LedgerEntryRelayValue, value); err != nil {
			return nil, err
		}
	}

	var body []byte
	if dest.WebhookURL != "" {
		body, err = s.deliver(ctx, dest.WebhookURL, payload)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Log.Info("relay executed", "vault_id", vaultID, "dest_id", destID, "value", value)
	return body, nil
}

func (s *Service) deliver(ctx context.Context, url string, payload json.RawMessage) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The failure reason travels with the error, like a revert payload.
		return nil, fmt.Errorf("%w: destination returned %d: %s", ErrExecutionFailed, resp.StatusCode, body)
	}
	return body, nil
}

// ValidateRequest checks a compact signature over digest against the vault
// owner's registered public key. Only the forwarder may call it. A bad
// signature yields ValidationFailed without an error. When missingFunds > 0
// the vault first tops the forwarder up; a rejected prefund transfer is
// ErrPayPrefundFailed and aborts the call.
func (s *Service) ValidateRequest(ctx context.Context, callerID, vaultID uuid.UUID, digest, signature []byte, missingFunds int64) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ValidationFailed, err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockVaultAs(ctx, tx, callerID, vaultID)
	if err != nil {
		return ValidationFailed, err
	}
	if missingFunds > 0 {
		if err := s.Guard.PayOut(ctx, tx, vaultID, callerID, nil, models.LedgerEntryPrefund, missingFunds); err != nil {
			if errors.Is(err, escrow.ErrPaymentFailed) {
				return ValidationFailed, fmt.Errorf("%w: %v", ErrPayPrefundFailed, err)
			}
			return ValidationFailed, err
		}
	}

	owner, err := s.Accounts.GetByID(ctx, tx, v.OwnerID)
	if err != nil {
		return ValidationFailed, err
	}

	code := ValidationFailed
	if verifySignature(owner.PublicKey, digest, signature) {
		code = ValidationOK
	}
	if err := tx.Commit(ctx); err != nil {
		return ValidationFailed, err
	}
	if code != ValidationOK {
		s.Log.Warn("signature validation failed", "vault_id", vaultID)
	}
	return code, nil
}
