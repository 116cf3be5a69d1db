package admin

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/orchestrator"
	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/store"
)

// Orchestrator is the slice of the report engine the admin surface drives.
type Orchestrator interface {
	ExecuteForTarget(ctx context.Context, targetID int64, accountIDs []string) ([]orchestrator.AttemptResult, error)
	ExecuteBatch(ctx context.Context, targetIDs []int64) (string, error)
}

// Handlers carries the admin endpoint implementations.
type Handlers struct {
	store  *store.Store
	engine Orchestrator
	logger zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st *store.Store, engine Orchestrator, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:  st,
		engine: engine,
		logger: logger.With().Str("component", "admin_handlers").Logger(),
	}
}

// AddTarget enqueues a new report target.
func (h *Handlers) AddTarget(c *fiber.Ctx) error {
	var req AddTargetRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Malformed request body")
	}
	if req.PlatformID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_field", "Bad Request", "platform_id is required")
	}
	typ := platform.TargetType(req.Type)
	switch typ {
	case platform.TargetVideo, platform.TargetComment, platform.TargetUser:
	default:
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_type", "Bad Request", "type must be video, comment or user")
	}

	id, err := h.store.AddTarget(req.PlatformID, typ, req.Reason)
	if err != nil {
		h.logger.Error().Err(err).Msg("adding target failed")
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

// ListTargets returns targets, optionally filtered by status.
func (h *Handlers) ListTargets(c *fiber.Ctx) error {
	status := platform.TargetStatus(c.Query("status"))
	limit := c.QueryInt("limit", 100)

	targets, err := h.store.ListTargets(status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing targets failed")
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"targets": targets, "total": len(targets)})
}

// ExecuteTarget runs one target synchronously and returns per-account
// results.
func (h *Handlers) ExecuteTarget(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_id", "Bad Request", "Target id must be numeric")
	}

	var req ExecuteRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request", "Malformed request body")
		}
	}

	results, err := h.engine.ExecuteForTarget(c.Context(), id, req.AccountIDs)
	if err != nil {
		h.logger.Error().Err(err).Int64("target_id", id).Msg("execute failed")
		return fiber.ErrInternalServerError
	}
	if results == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"detail": "target already claimed or terminal",
		})
	}
	return c.JSON(fiber.Map{"results": results})
}

// ExecuteBatch enqueues an asynchronous batch and acknowledges immediately.
func (h *Handlers) ExecuteBatch(c *fiber.Ctx) error {
	var req BatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request", "Malformed request body")
		}
	}

	// detach from the request context: the batch outlives this call
	batchID, err := h.engine.ExecuteBatch(context.Background(), req.TargetIDs)
	if err != nil {
		h.logger.Error().Err(err).Msg("batch enqueue failed")
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusAccepted).JSON(BatchResponse{
		BatchID: batchID,
		Status:  "processing",
	})
}

// TargetLogs lists the attempt log for one target.
func (h *Handlers) TargetLogs(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_id", "Bad Request", "Target id must be numeric")
	}

	logs, err := h.store.ListLogsByTarget(id)
	if err != nil {
		h.logger.Error().Err(err).Int64("target_id", id).Msg("listing logs failed")
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"logs": logs, "total": len(logs)})
}

// ListAccounts returns redacted account views.
func (h *Handlers) ListAccounts(c *fiber.Ctx) error {
	accounts, err := h.store.ListEligibleAccounts(
		platform.AccountValid, platform.AccountExpiring, platform.AccountInvalid)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing accounts failed")
		return fiber.ErrInternalServerError
	}

	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		v := AccountView{
			ID:         a.ID,
			Name:       a.Name,
			UID:        a.UID,
			Status:     string(a.Status),
			CanRefresh: a.CanRefresh(),
		}
		if !a.ValidatedAt.IsZero() {
			v.ValidatedAt = a.ValidatedAt.UnixMilli()
		}
		views = append(views, v)
	}
	return c.JSON(fiber.Map{"accounts": views, "total": len(views)})
}

// SaveAccount creates or updates an account.
func (h *Handlers) SaveAccount(c *fiber.Ctx) error {
	var req AccountRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Malformed request body")
	}
	if req.Session == "" || req.CSRF == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_field", "Bad Request", "session and csrf are required")
	}

	acct := &platform.Account{
		ID:           req.ID,
		Name:         req.Name,
		Session:      req.Session,
		CSRF:         req.CSRF,
		Fingerprint:  req.Fingerprint,
		Fingerprint2: req.Fingerprint2,
		RefreshToken: req.RefreshToken,
		Status:       platform.AccountValid,
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}

	if err := h.store.SaveAccount(acct); err != nil {
		h.logger.Error().Err(err).Msg("saving account failed")
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": acct.ID})
}

// DeleteAccount removes an account; its historical log rows survive with the
// account reference nulled.
func (h *Handlers) DeleteAccount(c *fiber.Ctx) error {
	if err := h.store.DeleteAccount(c.Params("id")); err != nil {
		h.logger.Error().Err(err).Msg("deleting account failed")
		return fiber.ErrInternalServerError
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetSettings returns the runtime tunables.
func (h *Handlers) GetSettings(c *fiber.Ctx) error {
	settings, err := h.store.ListSettings()
	if err != nil {
		h.logger.Error().Err(err).Msg("listing settings failed")
		return fiber.ErrInternalServerError
	}
	return c.JSON(settings)
}

// PatchSettings updates runtime tunables.
func (h *Handlers) PatchSettings(c *fiber.Ctx) error {
	var patch SettingsPatch
	if err := c.BodyParser(&patch); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Malformed request body")
	}

	for key, value := range patch {
		switch key {
		case store.SettingMinDelay, store.SettingMaxDelay, store.SettingCooldown,
			store.SettingMaxRetries, store.SettingBatchWidth:
		default:
			return problemResponse(c, fiber.StatusBadRequest,
				"unknown_setting", "Bad Request", "Unknown setting: "+key)
		}
		if err := h.store.SetSetting(key, value); err != nil {
			h.logger.Error().Err(err).Str("key", key).Msg("writing setting failed")
			return fiber.ErrInternalServerError
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Liveness is the basic liveness probe.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness checks the store.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if err := h.store.DB().Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "down"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
