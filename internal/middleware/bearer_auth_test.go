package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type stubValidator struct {
	id  uuid.UUID
	err error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.id, s.err
}

// okHandler echoes the authenticated account id for assertions.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(AccountIDFromCtx(r.Context()).String()))
})

func TestBearerAuthValidToken(t *testing.T) {
	accountID := uuid.New()
	mw := BearerAuth(&stubValidator{id: accountID})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer some-valid-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != accountID.String() {
		t.Errorf("expected account id %s in body, got %q", accountID, body)
	}
}

func TestBearerAuthMissingHeader(t *testing.T) {
	mw := BearerAuth(&stubValidator{id: uuid.New()})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuthMalformedHeader(t *testing.T) {
	mw := BearerAuth(&stubValidator{id: uuid.New()})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuthInvalidToken(t *testing.T) {
	mw := BearerAuth(&stubValidator{err: errors.New("expired")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAccountIDFromCtxDefaultsToNil(t *testing.T) {
	if id := AccountIDFromCtx(context.Background()); id != uuid.Nil {
		t.Errorf("expected uuid.Nil, got %s", id)
	}
}
