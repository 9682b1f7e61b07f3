package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"watchalert/internal/catalog"
	"watchalert/internal/compiler"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
	"watchalert/internal/store"
)

// SnapshotSource yields the configuration in effect.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Reloader refreshes the catalog after a write. A nil Reloader makes the
// configuration endpoints read-only.
type Reloader interface {
	Reload(ctx context.Context) error
}

// RuleHandler handles HTTP requests for alert rules.
type RuleHandler struct {
	repo     store.RuleRepository
	catalog  SnapshotSource
	reloader Reloader
	logger   *slog.Logger
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(repo store.RuleRepository, cat SnapshotSource, reloader Reloader, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{
		repo:     repo,
		catalog:  cat,
		reloader: reloader,
		logger:   logger,
	}
}

// compile runs the compiler on the request body and records the outcome.
func (h *RuleHandler) compile(c *fiber.Ctx) (*domain.Rule, error) {
	body := c.Body()
	rule, err := compiler.CompileJSON(body)
	if err != nil {
		metrics.RuleCompilationsTotal.WithLabelValues(submittedKind(body), "rejected").Inc()
		return nil, err
	}
	metrics.RuleCompilationsTotal.WithLabelValues(string(rule.DatasourceKind), "accepted").Inc()
	return rule, nil
}

// submittedKind returns the datasourceKind of a raw submission, or "unknown"
// when it is missing or not a supported kind.
func submittedKind(body []byte) string {
	var head struct {
		DatasourceKind domain.DatasourceKind `json:"datasourceKind"`
	}
	if json.Unmarshal(body, &head) != nil || !head.DatasourceKind.IsValid() {
		return "unknown"
	}
	return string(head.DatasourceKind)
}

func (h *RuleHandler) rejected(c *fiber.Ctx, err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		h.logger.Debug("rule rejected", "field", ve.Field, "reason", ve.Reason)
		return FieldError(c, ve)
	}
	return BadRequest(c, err.Error())
}

// Compile handles POST /v1/rules/compile
// Validates a submission and returns the canonical rule without storing it.
func (h *RuleHandler) Compile(c *fiber.Ctx) error {
	rule, err := h.compile(c)
	if err != nil {
		return h.rejected(c, err)
	}
	return Success(c, rule)
}

// Create handles POST /v1/rules
// Compiles and stores a rule. A missing id is generated; an existing id is replaced.
func (h *RuleHandler) Create(c *fiber.Ctx) error {
	if h.reloader == nil {
		return Conflict(c, "rules are managed by the catalog file")
	}
	rule, err := h.compile(c)
	if err != nil {
		return h.rejected(c, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	if err := h.repo.Save(c.Context(), rule); err != nil {
		h.logger.Error("failed to save rule", "id", rule.ID, "error", err)
		return InternalError(c, "failed to save rule")
	}
	h.reload(c.Context())

	h.logger.Info("saved rule", "id", rule.ID, "name", rule.Name, "kind", rule.DatasourceKind)
	return Created(c, rule)
}

// List handles GET /v1/rules
func (h *RuleHandler) List(c *fiber.Ctx) error {
	return Success(c, h.catalog.Snapshot().Rules())
}

// GetByID handles GET /v1/rules/:id
// With ?format=submission the rule is returned in submission form.
func (h *RuleHandler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	rule, ok := h.catalog.Snapshot().Rule(id)
	if !ok {
		return NotFound(c, "rule not found")
	}
	if c.Query("format") == "submission" {
		sub, err := compiler.Decompile(rule)
		if err != nil {
			h.logger.Error("failed to decompile rule", "id", id, "error", err)
			return InternalError(c, "failed to decompile rule")
		}
		return Success(c, sub)
	}
	return Success(c, rule)
}

// Delete handles DELETE /v1/rules/:id
// Active events of the rule are closed when the catalog drops it.
func (h *RuleHandler) Delete(c *fiber.Ctx) error {
	if h.reloader == nil {
		return Conflict(c, "rules are managed by the catalog file")
	}
	id := c.Params("id")
	if err := h.repo.Delete(c.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRuleNotFound) {
			return NotFound(c, "rule not found")
		}
		h.logger.Error("failed to delete rule", "id", id, "error", err)
		return InternalError(c, "failed to delete rule")
	}
	h.reload(c.Context())

	h.logger.Info("deleted rule", "id", id)
	return NoContent(c)
}

func (h *RuleHandler) reload(ctx context.Context) {
	if err := h.reloader.Reload(ctx); err != nil {
		h.logger.Error("catalog reload after write failed", "error", err)
	}
}
