package api

import (
	"context"
	"net/http"
	"time"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/logging"
)

// Server is the management HTTP surface over a Request Manager queue and
// a Browser Pool.
type Server struct {
	httpServer *http.Server
	config     *ServerConfig
	log        *logging.Logger
	emitter    *events.Broadcaster
}

// NewServer wires a QueueManager and Pool into a router and HTTP server.
func NewServer(config *ServerConfig, queue QueueManager, pool *browserpool.Pool, log *logging.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	emitter := events.NewBroadcaster()
	log.SetSink(events.Log{Emitter: emitter})

	handlers := NewHandlers(queue, pool, emitter, "1.0.0")
	router := NewRouter(handlers, config, log)

	httpServer := &http.Server{
		Addr:         config.Address(),
		Handler:      router,
		ReadTimeout:  time.Duration(config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(config.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(config.IdleTimeout) * time.Second,
	}

	return &Server{httpServer: httpServer, config: config, log: log, emitter: emitter}, nil
}

// Start starts the HTTP server. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("api server starting", "address", s.config.Address())
	if s.config.HasAuth() {
		s.log.Info("api key authentication enabled")
	}
	if s.config.HasCORS() {
		s.log.Info("cors enabled", "origins", s.config.CORSOrigins)
	}

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes the event
// broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api server shutting down")
	s.emitter.Close()
	return s.httpServer.Shutdown(ctx)
}

// Emitter returns the server's event broadcaster, for wiring into
// pkg/runner or internal/browserpool so their events reach SSE clients.
func (s *Server) Emitter() *events.Broadcaster {
	return s.emitter
}

// Address returns the server's address.
func (s *Server) Address() string {
	return s.config.Address()
}
