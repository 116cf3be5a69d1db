// Package admin exposes the management API: account and target CRUD,
// synchronous and batch report execution, attempt logs, and runtime
// settings.
package admin

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServerConfig holds configuration for the admin API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the admin Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	limiter  *throttle
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures the admin API server.
func NewServer(cfg ServerConfig, handlers *Handlers, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "admin_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := uuid.New().String()
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newThrottle(cfg.RateLimit)
		s.app.Use(s.limiter.handler())
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbePath(path) {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("admin api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	v1 := s.app.Group("/api/v1")

	v1.Post("/targets", requireRole(RoleOperator), h.AddTarget)
	v1.Get("/targets", h.ListTargets)
	v1.Post("/targets/:id/execute", requireRole(RoleOperator), h.ExecuteTarget)
	v1.Get("/targets/:id/logs", h.TargetLogs)

	v1.Post("/batch", requireRole(RoleOperator), h.ExecuteBatch)

	v1.Get("/accounts", h.ListAccounts)
	v1.Post("/accounts", requireRole(RoleAdmin), h.SaveAccount)
	v1.Delete("/accounts/:id", requireRole(RoleAdmin), h.DeleteAccount)

	v1.Get("/settings", h.GetSettings)
	v1.Patch("/settings", requireRole(RoleAdmin), h.PatchSettings)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("admin API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server and its limiter sweep.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("admin API server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
