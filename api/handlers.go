/*
handlers.go - HTTP handlers for the progression API

PURPOSE:
  Thin HTTP layer over the engine. Handlers decode, resolve the tenant scope
  from the URL, call exactly one engine operation, and map the typed error
  taxonomy to status codes. No business rules live here.

ERROR MAPPING:
  400 - malformed request body or failed validation
  403 - tenant mismatch (cross-tenant row access)
  404 - unknown tenant/user/achievement/reward/redemption
  409 - idempotence conflict surfaced to the caller (admin credit replay)
  422 - business rejection (insufficient balance, out of stock, claim limit)
  503 - metric source unavailable (retryable)
  500 - everything else

EVENT INGEST:
  POST /events returns 202 even when achievement evaluation partially fails.
  The triggering activity must never be blocked by badge bookkeeping; failed
  evaluations are logged and retried on the next delivery.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Routing
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// HANDLER
// =============================================================================

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	engine *progression.Engine
	store  progression.Store
	log    *zap.Logger
	now    func() time.Time
}

// NewHandler creates the handler set. A nil logger is replaced with a no-op
// logger.
func NewHandler(engine *progression.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine: engine,
		store:  engine.Store(),
		log:    log,
		now:    time.Now,
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.log.Error("failed to encode response", zap.Error(err))
		}
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case progression.IsNotFound(err):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, progression.ErrTenantMismatch):
		h.writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "tenant_mismatch"})
	case errors.Is(err, progression.ErrAlreadyApplied):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_applied"})
	case progression.IsClientError(err):
		h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: clientErrorCode(err)})
	case progression.IsRetryable(err):
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "metric_source_unavailable"})
	default:
		h.log.Error("internal error", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
	}
}

func clientErrorCode(err error) string {
	switch {
	case errors.Is(err, progression.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, progression.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, progression.ErrUserClaimLimitReached):
		return "claim_limit_reached"
	case errors.Is(err, progression.ErrRewardUnavailable):
		return "reward_unavailable"
	case errors.Is(err, progression.ErrRedemptionNotCancellable):
		return "not_cancellable"
	}
	return "rejected"
}

// scope resolves the tenant named in the URL. On failure it writes the error
// response and returns ok=false.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (*progression.Scope, bool) {
	tenantID := progression.TenantID(chi.URLParam(r, "tenantID"))
	s, err := h.engine.Scope(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return s, true
}

// =============================================================================
// TENANTS
// =============================================================================

// CreateTenant handles POST /api/tenants
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		h.badRequest(w, "tenant name is required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			h.badRequest(w, "unknown timezone: "+req.Timezone)
			return
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := progression.Tenant{
		ID:        progression.TenantID(id),
		Name:      req.Name,
		Timezone:  req.Timezone,
		CreatedAt: h.now(),
	}
	if err := h.store.CreateTenant(r.Context(), t); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toTenantDTO(t))
}

// ListTenants handles GET /api/tenants
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]TenantDTO, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, toTenantDTO(t))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func toTenantDTO(t progression.Tenant) TenantDTO {
	tz := t.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return TenantDTO{ID: string(t.ID), Name: t.Name, Timezone: tz, CreatedAt: t.CreatedAt}
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser handles POST /api/tenants/{tenantID}/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		h.badRequest(w, "user name is required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	u := progression.User{
		ID:        progression.UserID(id),
		TenantID:  s.TenantID(),
		Name:      req.Name,
		CreatedAt: h.now(),
	}
	if err := h.store.CreateUser(r.Context(), u); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// ListUsers handles GET /api/tenants/{tenantID}/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	users, err := h.store.ListUsers(r.Context(), s.TenantID())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func toUserDTO(u progression.User) UserDTO {
	return UserDTO{
		ID:         string(u.ID),
		TenantID:   string(u.TenantID),
		Name:       u.Name,
		GemBalance: u.GemBalance,
		CreatedAt:  u.CreatedAt,
	}
}

// =============================================================================
// ACTIVITY EVENTS
// =============================================================================

// IngestEvent handles POST /api/tenants/{tenantID}/events
//
// Always returns 202 once the event is accepted: achievement evaluation
// failures are logged, never propagated to the activity that raised the
// event. Redelivery heals anything missed.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req ActivityEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.UserID == "" || req.EventType == "" || req.EventSourceID == "" {
		h.badRequest(w, "user_id, event_type and event_source_id are required")
		return
	}
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.now()
	}

	event := progression.ActivityEvent{
		TenantID:      s.TenantID(),
		UserID:        progression.UserID(req.UserID),
		EventType:     progression.EventType(req.EventType),
		EventSourceID: req.EventSourceID,
		OccurredAt:    occurredAt,
	}
	if err := s.OnActivityEvent(r.Context(), event); err != nil {
		h.log.Warn("achievement evaluation incomplete",
			zap.String("tenant", string(s.TenantID())),
			zap.String("event_source_id", req.EventSourceID),
			zap.Error(err),
		)
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// EvaluateCustom handles POST /api/tenants/{tenantID}/achievements/{achievementID}/custom
//
// Entry point for external rules evaluators reporting a custom trigger's
// verdict.
func (h *Handler) EvaluateCustom(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	achievement := progression.AchievementID(chi.URLParam(r, "achievementID"))
	var req EvaluateCustomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.UserID == "" {
		h.badRequest(w, "user_id is required")
		return
	}
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.now()
	}

	if err := s.EvaluateCustom(r.Context(), progression.UserID(req.UserID), achievement, req.Satisfied, occurredAt); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "evaluated"})
}

// =============================================================================
// BALANCE AND LEDGER
// =============================================================================

// GetBalance handles GET /api/tenants/{tenantID}/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	balance, err := s.Balance(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(user), Balance: balance})
}

// GetLedger handles GET /api/tenants/{tenantID}/users/{userID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	entries, err := s.Entries(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryDTO(e))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Credit handles POST /api/tenants/{tenantID}/credits
//
// Manual admin grant. The caller supplies the idempotence source_id; a replay
// returns 200 with already_applied=true rather than double-crediting.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.UserID == "" || req.SourceID == "" {
		h.badRequest(w, "user_id and source_id are required")
		return
	}
	if req.Amount <= 0 {
		h.badRequest(w, "amount must be positive")
		return
	}

	entry, err := s.Credit(r.Context(), progression.UserID(req.UserID), req.Amount,
		progression.SourceAdmin, req.SourceID, req.Description)
	if errors.Is(err, progression.ErrAlreadyApplied) {
		h.writeJSON(w, http.StatusOK, CreditResponse{AlreadyApplied: true})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	dto := toLedgerEntryDTO(*entry)
	h.writeJSON(w, http.StatusCreated, CreditResponse{Entry: &dto})
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

// CreateDefinition handles POST /api/tenants/{tenantID}/achievements
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.badRequest(w, "failed to read request body")
		return
	}
	def, err := factory.ParseAchievement(s.TenantID(), body, h.now())
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	if err := h.store.CreateDefinition(r.Context(), *def); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toDefinitionDTO(*def))
}

// ListDefinitions handles GET /api/tenants/{tenantID}/achievements
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	defs, err := h.store.ListDefinitions(r.Context(), s.TenantID())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]DefinitionDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, toDefinitionDTO(d))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// UpdateDefinition handles PUT /api/tenants/{tenantID}/achievements/{achievementID}
//
// Replaces the definition. Existing unlocks are untouched; deactivating a
// definition only stops future evaluations.
func (h *Handler) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	id := progression.AchievementID(chi.URLParam(r, "achievementID"))
	existing, err := h.store.GetDefinition(r.Context(), s.TenantID(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.badRequest(w, "failed to read request body")
		return
	}
	def, err := factory.ParseAchievement(s.TenantID(), body, h.now())
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	def.ID = id
	def.CreatedAt = existing.CreatedAt
	if err := h.store.UpdateDefinition(r.Context(), *def); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDefinitionDTO(*def))
}

// GetUnlocks handles GET /api/tenants/{tenantID}/users/{userID}/achievements
func (h *Handler) GetUnlocks(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	unlocks, err := s.UnlockedAchievements(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]UnlockDTO, 0, len(unlocks))
	for _, u := range unlocks {
		out = append(out, toUnlockDTO(u))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetProgress handles GET /api/tenants/{tenantID}/users/{userID}/achievements/{achievementID}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	achievement := progression.AchievementID(chi.URLParam(r, "achievementID"))
	p, err := s.Progress(r.Context(), user, achievement)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ProgressDTO{
		AchievementID: string(achievement),
		Current:       p.Current.String(),
		Target:        p.Target.String(),
		Unlocked:      p.Unlocked,
	})
}

// =============================================================================
// REWARDS
// =============================================================================

// CreateReward handles POST /api/tenants/{tenantID}/rewards
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.badRequest(w, "failed to read request body")
		return
	}
	reward, err := factory.ParseReward(s.TenantID(), body, h.now())
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	if err := h.store.CreateReward(r.Context(), *reward); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRewardDTO(*reward))
}

// ListRewards handles GET /api/tenants/{tenantID}/rewards
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	rewards, err := h.store.ListRewards(r.Context(), s.TenantID())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]RewardDTO, 0, len(rewards))
	for _, rw := range rewards {
		out = append(out, toRewardDTO(rw))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// UpdateReward handles PUT /api/tenants/{tenantID}/rewards/{rewardID}
//
// Replaces catalog fields. claimed_count is owned by the redemption engine
// and survives the update.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	id := progression.RewardID(chi.URLParam(r, "rewardID"))
	existing, err := h.store.GetReward(r.Context(), s.TenantID(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.badRequest(w, "failed to read request body")
		return
	}
	reward, err := factory.ParseReward(s.TenantID(), body, h.now())
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	reward.ID = id
	reward.ClaimedCount = existing.ClaimedCount
	reward.CreatedAt = existing.CreatedAt
	if err := h.store.UpdateReward(r.Context(), *reward); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRewardDTO(*reward))
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

// Redeem handles POST /api/tenants/{tenantID}/users/{userID}/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.RewardID == "" {
		h.badRequest(w, "reward_id is required")
		return
	}

	redemption, err := s.Redeem(r.Context(), user, progression.RewardID(req.RewardID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRedemptionDTO(*redemption))
}

// ListUserRedemptions handles GET /api/tenants/{tenantID}/users/{userID}/redemptions
func (h *Handler) ListUserRedemptions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	user := progression.UserID(chi.URLParam(r, "userID"))
	redemptions, err := s.Redemptions(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]RedemptionDTO, 0, len(redemptions))
	for _, red := range redemptions {
		out = append(out, toRedemptionDTO(red))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CancelRedemption handles POST /api/tenants/{tenantID}/redemptions/{redemptionID}/cancel
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	id := progression.RedemptionID(chi.URLParam(r, "redemptionID"))
	if err := s.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// DeliverRedemption handles POST /api/tenants/{tenantID}/redemptions/{redemptionID}/deliver
func (h *Handler) DeliverRedemption(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scope(w, r)
	if !ok {
		return
	}
	id := progression.RedemptionID(chi.URLParam(r, "redemptionID"))
	if err := s.MarkDelivered(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
