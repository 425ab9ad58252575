package communicator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/runnable-bridge/internal/process"
)

// ErrNotConfigured is returned by Connect when no command line has been set.
var ErrNotConfigured = errors.New("communicator has no command line")

// Listener receives inbound messages from the runnable.
type Listener func(msg json.RawMessage)

// Logger defines the logging interface for the communicator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds communicator settings.
type Config struct {
	// CommandLine launches the runnable.
	CommandLine string

	// Interval is the quiet period callers keep between set commands.
	Interval time.Duration

	// Process supplies the remaining supervisor settings. Its CommandLine
	// is ignored.
	Process process.Config
}

type subscription struct {
	id uint64
	fn Listener
}

// Communicator routes messages between callers and the runnable.
type Communicator struct {
	logger Logger

	mu          sync.RWMutex
	base        process.Config
	commandLine string
	interval    time.Duration
	sup         *process.Supervisor

	subsMu sync.RWMutex
	subs   []subscription
	nextID uint64
}

// New creates a communicator. Nothing is launched until Connect.
func New(cfg Config) *Communicator {
	return &Communicator{
		logger:      noopLogger{},
		base:        cfg.Process,
		commandLine: cfg.CommandLine,
		interval:    cfg.Interval,
	}
}

// SetLogger sets the logger used by the communicator and the supervisors it
// creates.
func (c *Communicator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetCommandLine stores the command line and interval used by the next
// Connect. A running runnable is not affected.
func (c *Communicator) SetCommandLine(commandLine string, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandLine = commandLine
	c.interval = interval
}

// CommandLine returns the configured command line.
func (c *Communicator) CommandLine() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandLine
}

// Interval returns the configured quiet interval.
func (c *Communicator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// Connect launches the runnable under a fresh supervisor, terminating any
// previous one. A start failure is returned after the supervisor has run
// its restart procedure.
func (c *Communicator) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sup != nil {
		c.logger.Info("replacing runnable", "command", c.commandLine)
		c.sup.Terminate()
		c.sup = nil
	}
	if c.commandLine == "" {
		return ErrNotConfigured
	}

	cfg := c.base
	cfg.CommandLine = c.commandLine

	sup := process.NewSupervisor(cfg, c.broadcast)
	sup.SetLogger(c.logger)
	c.sup = sup

	return sup.Run()
}

// Disconnect terminates the runnable. It is a no-op when not connected.
func (c *Communicator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sup == nil {
		return
	}
	c.sup.Terminate()
	c.sup = nil
	c.logger.Info("runnable disconnected")
}

// Connected reports whether a supervisor is attached, whether or not its
// child is currently alive.
func (c *Communicator) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sup != nil
}

// Send forwards message to the runnable. Without a connection the message
// is dropped with a warning. Only encoding errors are returned.
func (c *Communicator) Send(message any) error {
	c.mu.RLock()
	sup := c.sup
	c.mu.RUnlock()

	if sup == nil {
		c.logger.Warn("not connected, dropping message", "message", message)
		return nil
	}
	return sup.Send(message)
}

// Subscribe registers fn for every subsequent inbound message. The returned
// function removes the registration; calling it more than once is harmless.
func (c *Communicator) Subscribe(fn Listener) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, fn: fn})

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// broadcast delivers msg to a snapshot of the current listeners.
func (c *Communicator) broadcast(msg json.RawMessage) {
	c.subsMu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.RUnlock()

	for _, s := range subs {
		c.notify(s, msg)
	}
}

func (c *Communicator) notify(s subscription, msg json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "listener", s.id, "panic", r)
		}
	}()
	s.fn(msg)
}

// Stats summarises the communicator and its runnable.
type Stats struct {
	Connected   bool           `json:"connected"`
	CommandLine string         `json:"command_line"`
	Interval    time.Duration  `json:"interval"`
	Listeners   int            `json:"listeners"`
	Runnable    *process.Stats `json:"runnable,omitempty"`
}

// Stats returns a snapshot of the communicator state.
func (c *Communicator) Stats() Stats {
	c.mu.RLock()
	stats := Stats{
		Connected:   c.sup != nil,
		CommandLine: c.commandLine,
		Interval:    c.interval,
	}
	if c.sup != nil {
		rs := c.sup.Stats()
		stats.Runnable = &rs
	}
	c.mu.RUnlock()

	c.subsMu.RLock()
	stats.Listeners = len(c.subs)
	c.subsMu.RUnlock()

	return stats
}
