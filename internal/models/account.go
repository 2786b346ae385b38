package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user wallet: it authenticates the owner and holds the credit
// balance that payouts, deposits and prefunds move against.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	// PublicKey is the compressed secp256k1 public key (hex) used to
	// validate relayed request signatures for vaults owned by this account.
	PublicKey  string    `json:"public_key,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Balance    int64     `json:"balance"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
