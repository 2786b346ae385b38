package router

import (
	"net/http"

	"github.com/taskvault/backend/internal/auth"
	"github.com/taskvault/backend/internal/handlers"
	"github.com/taskvault/backend/internal/middleware"
)

// New wires the API routes. Auth endpoints are open; vault mutations go
// through bearer auth except the permissionless expiry and upkeep paths.
func New(authHandler *auth.Handler, vaultHandler *handlers.VaultHandler, validator middleware.TokenValidator) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.BearerAuth(validator)

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	mux.HandleFunc("GET /v1/vaults/predict", vaultHandler.PredictVault)
	mux.Handle("POST /v1/vaults", authed(http.HandlerFunc(vaultHandler.CreateVault)))
	mux.HandleFunc("GET /v1/vaults/{id}", vaultHandler.GetVault)

	mux.Handle("POST /v1/vaults/{id}/deposit", authed(http.HandlerFunc(vaultHandler.Deposit)))
	mux.Handle("POST /v1/vaults/{id}/withdraw", authed(http.HandlerFunc(vaultHandler.Withdraw)))
	mux.Handle("PUT /v1/vaults/{id}/policy", authed(http.HandlerFunc(vaultHandler.SetPolicy)))

	mux.Handle("POST /v1/vaults/{id}/tasks", authed(http.HandlerFunc(vaultHandler.CreateTask)))
	mux.HandleFunc("GET /v1/vaults/{id}/tasks", vaultHandler.ListTasks)
	mux.HandleFunc("GET /v1/vaults/{id}/tasks/{taskID}", vaultHandler.GetTask)
	mux.Handle("POST /v1/vaults/{id}/tasks/{taskID}/complete", authed(http.HandlerFunc(vaultHandler.CompleteTask)))
	mux.Handle("POST /v1/vaults/{id}/tasks/{taskID}/cancel", authed(http.HandlerFunc(vaultHandler.CancelTask)))
	mux.Handle("POST /v1/vaults/{id}/tasks/{taskID}/release", authed(http.HandlerFunc(vaultHandler.ReleaseDelayedPayment)))

	// Anyone may expire an overdue task; the deadline is the authorization.
	mux.HandleFunc("POST /v1/vaults/{id}/tasks/{taskID}/expire", vaultHandler.ExpireTask)
	mux.HandleFunc("GET /v1/vaults/{id}/upkeep", vaultHandler.UpkeepProbe)
	mux.HandleFunc("POST /v1/vaults/{id}/upkeep", vaultHandler.UpkeepPerform)

	mux.Handle("POST /v1/vaults/{id}/execute", authed(http.HandlerFunc(vaultHandler.Execute)))
	mux.Handle("POST /v1/vaults/{id}/validate", authed(http.HandlerFunc(vaultHandler.Validate)))

	mux.Handle("POST /v1/vaults/{id}/collaborators", authed(http.HandlerFunc(vaultHandler.LinkCollaborator)))
	mux.Handle("POST /v1/vaults/{id}/on-expired", authed(http.HandlerFunc(vaultHandler.OnExpired)))

	mux.HandleFunc("GET /v1/vaults/{id}/ledger", vaultHandler.ListLedger)

	return mux
}
