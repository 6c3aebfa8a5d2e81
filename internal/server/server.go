// Package server wires the fiber application: logging, middleware, routes,
// and the classifier warmup lifecycle.
package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/routelab/tierproxy/internal/api"
	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/services/cache"
	"github.com/routelab/tierproxy/internal/services/classifier"
	"github.com/routelab/tierproxy/internal/services/middleware"
	"github.com/routelab/tierproxy/internal/services/providers"
	"github.com/routelab/tierproxy/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server is the assembled gateway.
type Server struct {
	app        *fiber.App
	cfg        *config.Config
	classifier *classifier.Client
	httpc      *services.Client
}

// New builds the application from a frozen config.
func New(cfg *config.Config) *Server {
	configureLogging(cfg)

	httpc := services.NewClient()
	tracker := usage.NewTracker()
	decisionCache := cache.New(cfg.Cache)

	deps := &providers.Deps{Cfg: cfg, Usage: tracker, HTTP: httpc}

	var clf *classifier.Client
	if cfg.Classifier.Enabled {
		clf = classifier.NewClient(cfg.Classifier, httpc)
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.BodyLimit,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.BearerAuth(cfg.RouterAPIKey))

	completions := api.NewCompletionHandler(cfg, decisionCache, clf, deps)
	health := api.NewHealthHandler(cfg)
	usageHandler := api.NewUsageHandler(tracker)

	app.Post("/v1/chat/completions", completions.ChatCompletion)
	app.Get("/health", health.HealthCheck)
	app.Get("/usage", usageHandler.GetUsage)
	app.Delete("/usage", usageHandler.ResetUsage)
	app.Get("/dashboard", api.Dashboard)

	return &Server{app: app, cfg: cfg, classifier: clf, httpc: httpc}
}

// Run starts the listener and blocks until shutdown.
func (s *Server) Run() error {
	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	if s.classifier != nil {
		s.classifier.StartWarmup(warmupCtx)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fiberlog.Info("shutting down")
		stopWarmup()
		if err := s.app.Shutdown(); err != nil {
			fiberlog.Errorf("shutdown error: %v", err)
		}
		s.httpc.Close()
	}()

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	fiberlog.Infof("tierproxy listening on %s", addr)
	return s.app.Listen(addr)
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// errorHandler maps unhandled handler errors onto the wire taxonomy.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) && fe.Code != fiber.StatusInternalServerError {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	fiberlog.Errorf("[%s] unhandled error: %v", api.RequestID(c), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
}

func configureLogging(cfg *config.Config) {
	switch strings.ToLower(cfg.LogLevel) {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "warn":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
	}

	if !cfg.LogToFile {
		return
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		fiberlog.Warnf("cannot create log dir %s: %v", cfg.LogDir, err)
		return
	}
	path := filepath.Join(cfg.LogDir, "tierproxy.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fiberlog.Warnf("cannot open log file %s: %v", path, err)
		return
	}
	fiberlog.SetOutput(file)
}
