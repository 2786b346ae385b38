// Package auth registers accounts and issues JWT sessions. An account
// carries the secp256k1 public key its vault request signatures are checked
// against, and an optional webhook URL for relayed deliveries.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials is returned on a failed login.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidPublicKey is returned when the registered key is not a valid
// compressed secp256k1 point.
var ErrInvalidPublicKey = errors.New("invalid public key")

type Service interface {
	Register(ctx context.Context, email, password, displayName, publicKey, webhookURL string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

type service struct {
	accounts store.AccountStore
	secret   []byte
}

func NewService(accounts store.AccountStore) *service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "supersecretmvp"
	}
	return &service{accounts: accounts, secret: []byte(secret)}
}

var _ Service = (*service)(nil)

func validatePublicKey(pubKeyHex string) error {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) != 33 {
		return ErrInvalidPublicKey
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return ErrInvalidPublicKey
	}
	return nil
}

func (s *service) Register(ctx context.Context, email, password, displayName, publicKey, webhookURL string) (*models.Account, error) {
	if err := validatePublicKey(publicKey); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		PublicKey:    publicKey,
		WebhookURL:   webhookURL,
		IsActive:     true,
	}
	if err := s.accounts.Create(ctx, nil, acc); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.accounts.GetByEmail(ctx, nil, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID)
}

func (s *service) issueToken(accountID uuid.UUID) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}
