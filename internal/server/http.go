package server

import (
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// PushRegistrar is implemented by notification sources that receive over HTTP
type PushRegistrar interface {
	Register(router fiber.Router, path string)
}

// Server serves /metrics, /healthz and, for push delivery, the push endpoint
type Server struct {
	app     *fiber.App
	address string
	marker  *core.HistoryMarker
	logger  *zap.Logger
}

// NewServer creates a new Server
func NewServer(address string, gatherer prometheus.Gatherer, marker *core.HistoryMarker, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
	})
	app.Use(recover.New())

	s := &Server{
		app:     app,
		address: address,
		marker:  marker,
		logger:  logger,
	}

	app.Get("/healthz", s.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// RegisterPush mounts the push endpoint at path
func (s *Server) RegisterPush(source PushRegistrar, path string) {
	source.Register(s.app, path)
	s.logger.Info("Registered push endpoint", zap.String("path", path))
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":            "ok",
		"marker":            s.marker.Current(),
		"marker_updated_at": s.marker.UpdatedAt().UTC(),
	})
}
