package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/taskvault/backend/internal/store/memstore"
)

func testPubKey(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func TestRegisterAndLogin(t *testing.T) {
	st := memstore.New()
	svc := NewService(st.Accounts())
	ctx := context.Background()

	acc, err := svc.Register(ctx, "user@example.com", "hunter22", "User", testPubKey(t), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !acc.IsActive {
		t.Error("new accounts start active")
	}
	if acc.PasswordHash == "hunter22" {
		t.Error("password stored in the clear")
	}

	token, err := svc.Login(ctx, "user@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if id != acc.ID {
		t.Errorf("token subject = %s, want %s", id, acc.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	st := memstore.New()
	svc := NewService(st.Accounts())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "user@example.com", "pw", "A", testPubKey(t), ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, "user@example.com", "pw", "B", testPubKey(t), "")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterRejectsBadPublicKey(t *testing.T) {
	st := memstore.New()
	svc := NewService(st.Accounts())
	ctx := context.Background()

	for _, key := range []string{"", "zz", "deadbeef"} {
		if _, err := svc.Register(ctx, "u@e.com", "pw", "U", key, ""); !errors.Is(err, ErrInvalidPublicKey) {
			t.Errorf("key %q: got %v, want ErrInvalidPublicKey", key, err)
		}
	}
}

func TestLoginWrongPassword(t *testing.T) {
	st := memstore.New()
	svc := NewService(st.Accounts())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "user@example.com", "right", "U", testPubKey(t), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, "user@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "right"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	st := memstore.New()
	svc := NewService(st.Accounts())
	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
