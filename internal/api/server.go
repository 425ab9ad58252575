package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nerrad567/runnable-bridge/internal/accessory"
	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds the wait for in-flight requests on Close.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket channels.
const (
	ChannelAccessoryChanged = "accessory.changed"
	ChannelRunnableMessage  = "runnable.message"
)

// Platform is the part of *accessory.Platform the API uses.
type Platform interface {
	Accessories() []accessory.Accessory
	Accessory(name string) (*accessory.Accessory, error)
	SetCharacteristic(ctx context.Context, name, characteristic string, value any) error
	Observe(fn accessory.StateObserver)
}

// Runnable is the part of *communicator.Communicator the API uses.
type Runnable interface {
	Connect() error
	Disconnect()
	Stats() communicator.Stats
	Subscribe(fn communicator.Listener) (unsubscribe func())
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Platform Platform
	Runnable Runnable
	Version  string
}

// Server is the HTTP API server.
//
// It is created with New, started with Start and stopped with Close.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	platform Platform
	runnable Runnable
	version  string
	hub      *Hub
	started  time.Time

	changesRelayed  atomic.Uint64
	messagesRelayed atomic.Uint64

	mu          sync.Mutex
	server      *http.Server
	addr        string
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, platform, runnable)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Platform == nil {
		return nil, errors.New("platform is required")
	}
	if deps.Runnable == nil {
		return nil, errors.New("runnable is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		platform: deps.Platform,
		runnable: deps.Runnable,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
		started:  time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays accessory changes and runnable
// messages to it, and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context whose cancellation stops the hub and relays
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)
	s.relay()

	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.addr)
	return nil
}

// relay feeds the hub from the platform and the runnable.
func (s *Server) relay() {
	s.platform.Observe(func(change accessory.Change) {
		s.changesRelayed.Add(1)
		s.hub.Publish(ChannelAccessoryChanged, change.Name, change)
	})
	s.unsubscribe = s.runnable.Subscribe(func(msg json.RawMessage) {
		s.messagesRelayed.Add(1)
		s.hub.Publish(ChannelRunnableMessage, gjson.GetBytes(msg, "name").Str, msg)
	})
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close shuts the server down, waiting for in-flight requests.
//
// Returns:
//   - error: If graceful shutdown does not finish in time
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
