package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"watchalert/internal/domain"
	"watchalert/internal/ingest"
)

// SignalIngester accepts breach and clear signals for asynchronous processing.
type SignalIngester interface {
	IngestSignal(ctx context.Context, sig *domain.Signal) (string, error)
}

// SignalHandler handles signal ingestion requests.
type SignalHandler struct {
	ingester SignalIngester
	logger   *slog.Logger
}

// NewSignalHandler creates a new signal handler.
func NewSignalHandler(ingester SignalIngester, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		ingester: ingester,
		logger:   logger,
	}
}

// SignalResponse is returned when a signal is accepted.
type SignalResponse struct {
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint"`
}

// Ingest handles POST /v1/signals
// The signal is queued and applied asynchronously, so success is 202.
func (h *SignalHandler) Ingest(c *fiber.Ctx) error {
	var sig domain.Signal
	if err := c.BodyParser(&sig); err != nil {
		h.logger.Debug("failed to parse signal", "error", err)
		return BadRequest(c, "invalid request body")
	}

	fingerprint, err := h.ingester.IngestSignal(c.Context(), &sig)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrInvalidSignal):
		return ValidationError(c, err.Error())
	case errors.Is(err, domain.ErrRuleNotFound):
		return NotFound(c, "rule not found")
	default:
		h.logger.Error("failed to ingest signal", "rule_id", sig.RuleID, "error", err)
		return InternalError(c, "failed to ingest signal")
	}

	return Accepted(c, SignalResponse{
		Status:      "accepted",
		Fingerprint: fingerprint,
	})
}
