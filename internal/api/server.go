package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchalert/internal/config"
	"watchalert/internal/domain"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	rules         *RuleHandler
	faultCenters  *DocumentHandler[domain.FaultCenter]
	noticeObjects *DocumentHandler[domain.NoticeObject]
	silences      *DocumentHandler[domain.Silence]
	templates     *DocumentHandler[domain.NoticeTemplate]
	signals       *SignalHandler
	events        *EventHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config *config.ServerConfig
	Logger *slog.Logger

	// RequestLog enables the per-request access log middleware.
	RequestLog bool

	RuleHandler         *RuleHandler
	FaultCenterHandler  *DocumentHandler[domain.FaultCenter]
	NoticeObjectHandler *DocumentHandler[domain.NoticeObject]
	SilenceHandler      *DocumentHandler[domain.Silence]
	TemplateHandler     *DocumentHandler[domain.NoticeTemplate]
	SignalHandler       *SignalHandler
	EventHandler        *EventHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		Immutable:             true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		WriteTimeout:          deps.Config.WriteTimeout,
		IdleTimeout:           deps.Config.IdleTimeout,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:           app,
		config:        deps.Config,
		logger:        deps.Logger,
		rules:         deps.RuleHandler,
		faultCenters:  deps.FaultCenterHandler,
		noticeObjects: deps.NoticeObjectHandler,
		silences:      deps.SilenceHandler,
		templates:     deps.TemplateHandler,
		signals:       deps.SignalHandler,
		events:        deps.EventHandler,
	}

	s.registerMiddleware(deps.RequestLog)
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware(requestLog bool) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.New())

	if requestLog {
		s.app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	// Rules
	v1.Post("/rules/compile", s.rules.Compile)
	v1.Post("/rules", s.rules.Create)
	v1.Get("/rules", s.rules.List)
	v1.Get("/rules/:id", s.rules.GetByID)
	v1.Delete("/rules/:id", s.rules.Delete)

	// Routing and notification configuration
	s.faultCenters.Register(v1, "/fault-centers")
	s.noticeObjects.Register(v1, "/notice-objects")
	s.silences.Register(v1, "/silences")
	s.templates.Register(v1, "/templates")

	// Signals and events
	v1.Post("/signals", s.signals.Ingest)
	v1.Get("/events", s.events.List)
	v1.Get("/events/:fingerprint", s.events.GetByID)
	v1.Post("/events/:fingerprint/claim", s.events.Claim)
	v1.Get("/events/:fingerprint/history", s.events.History)
	v1.Get("/notice-records", s.events.NoticeRecords)
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		code := ErrCodeInternalError
		switch e.Code {
		case fiber.StatusNotFound:
			code = ErrCodeNotFound
		case fiber.StatusBadRequest, fiber.StatusMethodNotAllowed:
			code = ErrCodeBadRequest
		}
		return Error(c, e.Code, code, e.Message)
	}

	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
