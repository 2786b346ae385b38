// Package handlers serves the /v1/vaults HTTP surface. Every domain error
// maps to a specific status; nothing collapses into a generic 500 unless it
// is genuinely unexpected.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/escrow"
	"github.com/taskvault/backend/internal/middleware"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/penalty"
	"github.com/taskvault/backend/internal/registry"
	"github.com/taskvault/backend/internal/relay"
	"github.com/taskvault/backend/internal/tasks"
	"github.com/taskvault/backend/internal/upkeep"
)

type VaultHandler struct {
	Registry *registry.Service
	Tasks    *tasks.Service
	Relay    *relay.Service
	Logger   *slog.Logger
}

// --- responses ---

type vaultResponse struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Salt               string     `json:"salt"`
	ForwarderID        string     `json:"forwarder_id"`
	Balance            int64      `json:"balance"`
	Committed          int64      `json:"committed"`
	PendingPayout      int64      `json:"pending_payout"`
	Available          int64      `json:"available"`
	PolicyType         string     `json:"policy_type"`
	PolicyDelaySeconds int64      `json:"policy_delay_seconds,omitempty"`
	PolicyBeneficiary  *string    `json:"policy_beneficiary,omitempty"`
	NextTaskID         *int64     `json:"next_task_id,omitempty"`
	NextDeadline       *time.Time `json:"next_deadline,omitempty"`
}

type taskResponse struct {
	ID          int64      `json:"id"`
	VaultID     string     `json:"vault_id"`
	Description string     `json:"description"`
	Reward      int64      `json:"reward"`
	Deadline    time.Time  `json:"deadline"`
	Status      string     `json:"status"`
	PolicyType  string     `json:"policy_type"`
	ClaimableAt *time.Time `json:"claimable_at,omitempty"`
	Released    bool       `json:"released"`
}

type ledgerEntryResponse struct {
	ID        string    `json:"id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	AccountID string    `json:"account_id"`
	EntryType string    `json:"entry_type"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func vaultToResponse(v *models.Vault) vaultResponse {
	resp := vaultResponse{
		ID:                 v.ID.String(),
		OwnerID:            v.OwnerID.String(),
		Salt:               v.Salt,
		ForwarderID:        v.ForwarderID.String(),
		Balance:            v.Balance,
		Committed:          v.Committed,
		PendingPayout:      v.PendingPayout,
		Available:          v.Available(),
		PolicyType:         v.PolicyType,
		PolicyDelaySeconds: v.PolicyDelaySeconds,
	}
	if v.PolicyBeneficiary != nil {
		s := v.PolicyBeneficiary.String()
		resp.PolicyBeneficiary = &s
	}
	if v.NextValid {
		id := v.NextTaskID
		resp.NextTaskID = &id
		resp.NextDeadline = v.NextDeadline
	}
	return resp
}

func taskToResponse(t *models.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		VaultID:     t.VaultID.String(),
		Description: t.Description,
		Reward:      t.Reward,
		Deadline:    t.Deadline,
		Status:      t.Status,
		PolicyType:  t.PolicyType,
		ClaimableAt: t.ClaimableAt,
		Released:    t.Released,
	}
}

// --- shared plumbing ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *VaultHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotOwner),
		errors.Is(err, tasks.ErrNotCollaborator),
		errors.Is(err, relay.ErrNotFromEntryPoint):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tasks.ErrVaultNotFound),
		errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, relay.ErrVaultNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tasks.ErrTaskCompleted),
		errors.Is(err, tasks.ErrTaskCanceled),
		errors.Is(err, tasks.ErrTaskExpired),
		errors.Is(err, registry.ErrAlreadyDeployed),
		errors.Is(err, penalty.ErrAlreadyReleased):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, tasks.ErrNoPolicySet),
		errors.Is(err, tasks.ErrInvalidPolicy),
		errors.Is(err, tasks.ErrInvalidReward),
		errors.Is(err, tasks.ErrNotYetExpired),
		errors.Is(err, penalty.ErrPenaltyTypeMismatch),
		errors.Is(err, penalty.ErrPenaltyDurationNotElapsed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, escrow.ErrPaymentFailed),
		errors.Is(err, relay.ErrPayPrefundFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, relay.ErrExecutionFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log := h.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Error("vault operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func vaultIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func taskIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("taskID"), 10, 64)
}

// --- registry ---

// PredictVault handles GET /v1/vaults/predict?owner=...&nonce=...
func (h *VaultHandler) PredictVault(w http.ResponseWriter, r *http.Request) {
	owner, err := uuid.Parse(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner")
		return
	}
	nonce, err := strconv.ParseUint(r.URL.Query().Get("nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nonce")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vault_id": registry.PredictID(owner, nonce).String()})
}

type createVaultRequest struct {
	Nonce       uint64 `json:"nonce"`
	ForwarderID string `json:"forwarder_id"`
}

// CreateVault handles POST /v1/vaults.
func (h *VaultHandler) CreateVault(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	var req createVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	forwarderID, err := uuid.Parse(req.ForwarderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid forwarder_id")
		return
	}
	v, err := h.Registry.CreateVault(r.Context(), ownerID, req.Nonce, forwarderID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vaultToResponse(v))
}

// GetVault handles GET /v1/vaults/{id}.
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	v, err := h.Tasks.GetVault(r.Context(), vaultID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultToResponse(v))
}

// --- funding ---

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// Deposit handles POST /v1/vaults/{id}/deposit.
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.fundingOp(w, r, h.Tasks.Deposit)
}

// Withdraw handles POST /v1/vaults/{id}/withdraw.
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.fundingOp(w, r, h.Tasks.Withdraw)
}

func (h *VaultHandler) fundingOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, owner, vault uuid.UUID, amount int64) error) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if err := op(r.Context(), ownerID, vaultID, req.Amount); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- policy ---

type setPolicyRequest struct {
	PolicyType    string  `json:"policy_type"`
	DelaySeconds  int64   `json:"delay_seconds"`
	BeneficiaryID *string `json:"beneficiary_id"`
}

// SetPolicy handles PUT /v1/vaults/{id}/policy.
func (h *VaultHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var beneficiary *uuid.UUID
	if req.BeneficiaryID != nil {
		id, err := uuid.Parse(*req.BeneficiaryID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid beneficiary_id")
			return
		}
		beneficiary = &id
	}
	if err := h.Tasks.SetPolicy(r.Context(), ownerID, vaultID, req.PolicyType, req.DelaySeconds, beneficiary); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- tasks ---

type createTaskRequest struct {
	Description     string `json:"description"`
	Reward          int64  `json:"reward"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// CreateTask handles POST /v1/vaults/{id}/tasks.
func (h *VaultHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Description == "" || req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid required fields")
		return
	}
	t, err := h.Tasks.CreateTask(r.Context(), ownerID, vaultID, req.Description, req.Reward, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(t))
}

// ListTasks handles GET /v1/vaults/{id}/tasks.
func (h *VaultHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	list, err := h.Tasks.ListTasks(r.Context(), vaultID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := make([]taskResponse, 0, len(list))
	for _, t := range list {
		resp = append(resp, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /v1/vaults/{id}/tasks/{taskID}.
func (h *VaultHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	taskID, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	t, err := h.Tasks.GetTask(r.Context(), vaultID, taskID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(t))
}

// CompleteTask handles POST /v1/vaults/{id}/tasks/{taskID}/complete.
func (h *VaultHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	h.ownerTaskOp(w, r, h.Tasks.CompleteTask)
}

// CancelTask handles POST /v1/vaults/{id}/tasks/{taskID}/cancel.
func (h *VaultHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.ownerTaskOp(w, r, h.Tasks.CancelTask)
}

// ReleaseDelayedPayment handles POST /v1/vaults/{id}/tasks/{taskID}/release.
func (h *VaultHandler) ReleaseDelayedPayment(w http.ResponseWriter, r *http.Request) {
	h.ownerTaskOp(w, r, h.Tasks.ReleaseDelayedPayment)
}

func (h *VaultHandler) ownerTaskOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, owner, vault uuid.UUID, taskID int64) error) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	taskID, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := op(r.Context(), ownerID, vaultID, taskID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExpireTask handles POST /v1/vaults/{id}/tasks/{taskID}/expire. No auth:
// expiring an overdue task is permissionless.
func (h *VaultHandler) ExpireTask(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	taskID, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := h.Tasks.ExpireTask(r.Context(), vaultID, taskID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- upkeep ---

type upkeepProbeResponse struct {
	Needed  bool            `json:"needed"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UpkeepProbe handles GET /v1/vaults/{id}/upkeep.
func (h *VaultHandler) UpkeepProbe(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	needed, taskID, err := h.Tasks.CheckExpirySignal(r.Context(), vaultID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := upkeepProbeResponse{Needed: needed}
	if needed {
		payload, err := upkeep.EncodePayload(vaultID, taskID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		resp.Payload = payload
	}
	writeJSON(w, http.StatusOK, resp)
}

type upkeepPerformRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// UpkeepPerform handles POST /v1/vaults/{id}/upkeep. The payload may be
// stale; a no-op still answers 204.
func (h *VaultHandler) UpkeepPerform(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req upkeepPerformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := upkeep.DecodePayload(req.Payload)
	if err != nil || p.VaultID != vaultID {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.Tasks.PerformExpiry(r.Context(), p.VaultID, p.TaskID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- relay ---

type executeRequest struct {
	DestinationID string          `json:"destination_id"`
	Value         int64           `json:"value"`
	Payload       json.RawMessage `json:"payload"`
}

type executeResponse struct {
	Response json.RawMessage `json:"response,omitempty"`
}

// Execute handles POST /v1/vaults/{id}/execute. Forwarder only.
func (h *VaultHandler) Execute(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	destID, err := uuid.Parse(req.DestinationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid destination_id")
		return
	}
	if req.Value < 0 {
		writeError(w, http.StatusBadRequest, "value must not be negative")
		return
	}
	body, err := h.Relay.Execute(r.Context(), callerID, vaultID, destID, req.Value, req.Payload)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := executeResponse{}
	if json.Valid(body) {
		resp.Response = body
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	Digest       string `json:"digest"`
	Signature    string `json:"signature"`
	MissingFunds int64  `json:"missing_funds"`
}

type validateResponse struct {
	Code int `json:"code"`
}

// Validate handles POST /v1/vaults/{id}/validate. Forwarder only; a failed
// signature is code 1, not an error.
func (h *VaultHandler) Validate(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	digest, err := hex.DecodeString(req.Digest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}
	if req.MissingFunds < 0 {
		writeError(w, http.StatusBadRequest, "missing_funds must not be negative")
		return
	}
	code, err := h.Relay.ValidateRequest(r.Context(), callerID, vaultID, digest, sig, req.MissingFunds)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Code: code})
}

// --- collaborators ---

type linkCollaboratorRequest struct {
	AccountID string `json:"account_id"`
}

// LinkCollaborator handles POST /v1/vaults/{id}/collaborators.
func (h *VaultHandler) LinkCollaborator(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req linkCollaboratorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}
	if err := h.Tasks.LinkCollaborator(r.Context(), ownerID, vaultID, accountID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type onExpiredRequest struct {
	TaskID int64 `json:"task_id"`
}

// OnExpired handles POST /v1/vaults/{id}/on-expired. Linked collaborators
// only.
func (h *VaultHandler) OnExpired(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.AccountIDFromCtx(r.Context())
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	var req onExpiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.Tasks.OnExpired(r.Context(), callerID, vaultID, req.TaskID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ledger ---

// ListLedger handles GET /v1/vaults/{id}/ledger.
func (h *VaultHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	vaultID, err := vaultIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id")
		return
	}
	entries, err := h.Tasks.ListLedger(r.Context(), vaultID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:        e.ID.String(),
			TaskID:    e.TaskID,
			AccountID: e.AccountID.String(),
			EntryType: e.EntryType,
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
