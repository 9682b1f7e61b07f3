package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"watchalert/internal/domain"
	"watchalert/internal/escalation"
	"watchalert/internal/store"
)

// EventTracker exposes the live event table.
type EventTracker interface {
	Get(fingerprint string) (*domain.Event, error)
	Snapshot() []*domain.Event
	Claim(ctx context.Context, req domain.ClaimRequest) (*domain.Event, error)
}

// EventHandler serves active events, their history and notice records.
type EventHandler struct {
	events  EventTracker
	history store.HistoryRepository
	records store.NoticeRecordRepository
	logger  *slog.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(events EventTracker, history store.HistoryRepository, records store.NoticeRecordRepository, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		events:  events,
		history: history,
		records: records,
		logger:  logger,
	}
}

// List handles GET /v1/events
// Query parameters:
//   - status: only events in this status
//   - ruleId: only events of this rule
func (h *EventHandler) List(c *fiber.Ctx) error {
	status := domain.EventStatus(c.Query("status"))
	ruleID := c.Query("ruleId")

	all := h.events.Snapshot()
	events := make([]*domain.Event, 0, len(all))
	for _, ev := range all {
		if status != "" && ev.Status != status {
			continue
		}
		if ruleID != "" && ev.RuleID != ruleID {
			continue
		}
		events = append(events, ev)
	}
	return Success(c, events)
}

// GetByID handles GET /v1/events/:fingerprint
func (h *EventHandler) GetByID(c *fiber.Ctx) error {
	ev, err := h.events.Get(c.Params("fingerprint"))
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return NotFound(c, "event not found")
		}
		return InternalError(c, "failed to get event")
	}
	return Success(c, ev)
}

// ClaimBody is the request body of a claim.
type ClaimBody struct {
	User string `json:"user"`
}

// Claim handles POST /v1/events/:fingerprint/claim
func (h *EventHandler) Claim(c *fiber.Ctx) error {
	var body ClaimBody
	if err := c.BodyParser(&body); err != nil {
		return BadRequest(c, "invalid request body")
	}

	req := domain.ClaimRequest{
		Fingerprint: c.Params("fingerprint"),
		User:        body.User,
	}
	if err := req.Validate(); err != nil {
		return ValidationError(c, err.Error())
	}

	ev, err := h.events.Claim(c.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, escalation.ErrAlreadyClaimed):
		return Conflict(c, err.Error())
	case errors.Is(err, domain.ErrEventNotFound), escalation.IsInvariantViolation(err):
		return NotFound(c, "no active event for fingerprint")
	default:
		h.logger.Error("failed to claim event", "fingerprint", req.Fingerprint, "error", err)
		return InternalError(c, "failed to claim event")
	}

	h.logger.Info("event claimed", "fingerprint", req.Fingerprint, "user", req.User)
	return Success(c, ev)
}

// History handles GET /v1/events/:fingerprint/history
// Query parameters:
//   - limit: newest N transitions (default all)
func (h *EventHandler) History(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return BadRequest(c, "limit must be a non-negative integer")
	}

	transitions, err := h.history.ListByFingerprint(c.Context(), c.Params("fingerprint"), limit)
	if err != nil {
		h.logger.Error("failed to list event history", "error", err)
		return InternalError(c, "failed to list event history")
	}
	return Success(c, transitions)
}

// NoticeRecords handles GET /v1/notice-records
// Query parameters:
//   - fingerprint, ruleId, status: filters
//   - limit, offset: pagination
func (h *EventHandler) NoticeRecords(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return BadRequest(c, "limit must be a non-negative integer")
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return BadRequest(c, "offset must be a non-negative integer")
	}

	status := domain.NoticeStatus(c.Query("status"))
	if status != "" && status != domain.NoticeSent && status != domain.NoticeFailed {
		return BadRequest(c, "status must be sent or failed")
	}

	records, err := h.records.List(c.Context(), domain.NoticeRecordFilter{
		Fingerprint: c.Query("fingerprint"),
		RuleID:      c.Query("ruleId"),
		Status:      status,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.logger.Error("failed to list notice records", "error", err)
		return InternalError(c, "failed to list notice records")
	}
	return Success(c, records)
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
