package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"watchalert/internal/catalog"
	"watchalert/internal/domain"
	"watchalert/internal/store"
)

// DocumentKind describes one configuration record kind served by a
// DocumentHandler.
type DocumentKind[T any] struct {
	// Name is used in messages, e.g. "fault center".
	Name string

	NotFound error
	ID       func(*T) string
	SetID    func(*T, string)
	Validate func(*T) error
	List     func(*catalog.Snapshot) []*T
	Get      func(*catalog.Snapshot, string) (*T, bool)
}

// DocumentHandler serves CRUD for fault centers, notice objects, silences and
// templates. Reads come from the catalog snapshot, writes go to the
// repository followed by a catalog reload.
type DocumentHandler[T any] struct {
	kind     DocumentKind[T]
	repo     store.DocumentRepository[T]
	catalog  SnapshotSource
	reloader Reloader
	logger   *slog.Logger
}

// NewDocumentHandler creates a handler for one record kind.
func NewDocumentHandler[T any](kind DocumentKind[T], repo store.DocumentRepository[T], cat SnapshotSource, reloader Reloader, logger *slog.Logger) *DocumentHandler[T] {
	return &DocumentHandler[T]{
		kind:     kind,
		repo:     repo,
		catalog:  cat,
		reloader: reloader,
		logger:   logger,
	}
}

// Create handles POST on the collection; the id is generated when empty.
func (h *DocumentHandler[T]) Create(c *fiber.Ctx) error {
	return h.put(c, "")
}

// Put handles PUT on /:id, creating or replacing the record.
func (h *DocumentHandler[T]) Put(c *fiber.Ctx) error {
	return h.put(c, utils.CopyString(c.Params("id")))
}

func (h *DocumentHandler[T]) put(c *fiber.Ctx, id string) error {
	if h.reloader == nil {
		return Conflict(c, "configuration is managed by the catalog file")
	}

	doc := new(T)
	if err := c.BodyParser(doc); err != nil {
		h.logger.Debug("failed to parse request body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	switch {
	case id != "":
		h.kind.SetID(doc, id)
	case h.kind.ID(doc) == "":
		h.kind.SetID(doc, uuid.New().String())
	}

	if err := h.kind.Validate(doc); err != nil {
		h.logger.Debug("validation failed", "kind", h.kind.Name, "error", err)
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return FieldError(c, ve)
		}
		return ValidationError(c, err.Error())
	}

	if err := h.repo.Put(c.Context(), h.kind.ID(doc), doc); err != nil {
		h.logger.Error("failed to store "+h.kind.Name, "id", h.kind.ID(doc), "error", err)
		return InternalError(c, "failed to store "+h.kind.Name)
	}
	if err := h.reloader.Reload(c.Context()); err != nil {
		h.logger.Error("catalog reload after write failed", "error", err)
	}

	h.logger.Info("stored "+h.kind.Name, "id", h.kind.ID(doc))
	return Success(c, doc)
}

// List handles GET on the collection.
func (h *DocumentHandler[T]) List(c *fiber.Ctx) error {
	return Success(c, h.kind.List(h.catalog.Snapshot()))
}

// GetByID handles GET on /:id.
func (h *DocumentHandler[T]) GetByID(c *fiber.Ctx) error {
	doc, ok := h.kind.Get(h.catalog.Snapshot(), c.Params("id"))
	if !ok {
		return NotFound(c, h.kind.Name+" not found")
	}
	return Success(c, doc)
}

// Delete handles DELETE on /:id.
func (h *DocumentHandler[T]) Delete(c *fiber.Ctx) error {
	if h.reloader == nil {
		return Conflict(c, "configuration is managed by the catalog file")
	}
	id := c.Params("id")
	if err := h.repo.Delete(c.Context(), id); err != nil {
		if errors.Is(err, h.kind.NotFound) {
			return NotFound(c, h.kind.Name+" not found")
		}
		h.logger.Error("failed to delete "+h.kind.Name, "id", id, "error", err)
		return InternalError(c, "failed to delete "+h.kind.Name)
	}
	if err := h.reloader.Reload(c.Context()); err != nil {
		h.logger.Error("catalog reload after write failed", "error", err)
	}

	h.logger.Info("deleted "+h.kind.Name, "id", id)
	return NoContent(c)
}

// Register mounts the handler's routes on router under path.
func (h *DocumentHandler[T]) Register(router fiber.Router, path string) {
	router.Post(path, h.Create)
	router.Get(path, h.List)
	router.Get(path+"/:id", h.GetByID)
	router.Put(path+"/:id", h.Put)
	router.Delete(path+"/:id", h.Delete)
}

// FaultCenterKind describes fault center records.
var FaultCenterKind = DocumentKind[domain.FaultCenter]{
	Name:     "fault center",
	NotFound: domain.ErrFaultCenterNotFound,
	ID:       func(fc *domain.FaultCenter) string { return fc.ID },
	SetID:    func(fc *domain.FaultCenter, id string) { fc.ID = id },
	Validate: func(fc *domain.FaultCenter) error { return fc.Validate() },
	List:     (*catalog.Snapshot).FaultCenters,
	Get:      (*catalog.Snapshot).FaultCenter,
}

// NoticeObjectKind describes notice object records.
var NoticeObjectKind = DocumentKind[domain.NoticeObject]{
	Name:     "notice object",
	NotFound: domain.ErrNoticeObjectNotFound,
	ID:       func(n *domain.NoticeObject) string { return n.ID },
	SetID:    func(n *domain.NoticeObject, id string) { n.ID = id },
	Validate: func(n *domain.NoticeObject) error { return n.Validate() },
	List:     (*catalog.Snapshot).NoticeObjects,
	Get:      (*catalog.Snapshot).NoticeObject,
}

// SilenceKind describes silence records.
var SilenceKind = DocumentKind[domain.Silence]{
	Name:     "silence",
	NotFound: domain.ErrSilenceNotFound,
	ID:       func(s *domain.Silence) string { return s.ID },
	SetID:    func(s *domain.Silence, id string) { s.ID = id },
	Validate: func(s *domain.Silence) error { return s.Validate() },
	List: func(snap *catalog.Snapshot) []*domain.Silence {
		all := snap.Silences()
		out := make([]*domain.Silence, 0, len(all))
		for i := range all {
			out = append(out, &all[i])
		}
		return out
	},
	Get: (*catalog.Snapshot).Silence,
}

// TemplateKind describes notice template records.
var TemplateKind = DocumentKind[domain.NoticeTemplate]{
	Name:     "template",
	NotFound: domain.ErrTemplateNotFound,
	ID:       func(t *domain.NoticeTemplate) string { return t.ID },
	SetID:    func(t *domain.NoticeTemplate, id string) { t.ID = id },
	Validate: func(t *domain.NoticeTemplate) error { return t.Validate() },
	List:     (*catalog.Snapshot).Templates,
	Get:      (*catalog.Snapshot).Template,
}
