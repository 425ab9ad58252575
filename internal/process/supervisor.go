package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Status represents the current state of the supervised runnable.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// DefaultMaxRetries is the number of consecutive restarts attempted before
// the supervisor gives up.
const DefaultMaxRetries = 3

const (
	defaultShell           = "/bin/sh"
	defaultWriteTimeout    = 5 * time.Second
	defaultGracefulTimeout = 5 * time.Second

	// exitDrainTimeout bounds how long output is read after the shell
	// exits before the exit is handled.
	exitDrainTimeout = 200 * time.Millisecond

	// maxStderrLine caps a single logged stderr line.
	maxStderrLine = 64 * 1024
)

// Config holds configuration for a supervised runnable.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// CommandLine is passed verbatim to Shell with -c.
	CommandLine string

	// Shell runs CommandLine. Defaults to /bin/sh.
	Shell string

	// Env are additional environment variables (key=value format) appended
	// to the inherited environment.
	Env []string

	// WorkDir is the working directory for the child.
	// If empty, inherits from parent process.
	WorkDir string

	// MaxRetries limits consecutive automatic restarts. 0 selects
	// DefaultMaxRetries; a negative value disables automatic restarts.
	MaxRetries int

	// RestartDelay postpones each automatic restart. 0 restarts immediately.
	RestartDelay time.Duration

	// WriteTimeout bounds a single write to the child's stdin.
	WriteTimeout time.Duration

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// MaxBufferBytes caps an incomplete message on stdout. 0 means unbounded.
	MaxBufferBytes int
}

// MessageHandler receives every complete JSON value the runnable writes to
// stdout, in order.
type MessageHandler func(msg json.RawMessage)

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// child is one launched instance of the runnable.
type child struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	stderr  *os.File
	pid     int
	started time.Time

	// done is closed once cmd.Wait has returned.
	done chan struct{}

	// writeMu keeps concurrent sends from interleaving on stdin.
	writeMu sync.Mutex

	// detached children produce no further messages or exit handling.
	detached atomic.Bool
}

// Supervisor launches the runnable, frames its output and restarts it on
// failure. At most one child is attached at a time.
type Supervisor struct {
	config  Config
	handler MessageHandler
	logger  Logger

	mu         sync.Mutex
	current    *child
	status     Status
	retry      int
	restarts   int
	lastError  error
	pendingRun uint64
	timer      *time.Timer
}

// NewSupervisor creates a supervisor. The runnable is not started until Run.
// A nil handler discards inbound messages.
func NewSupervisor(cfg Config, handler MessageHandler) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "runnable"
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if handler == nil {
		handler = func(json.RawMessage) {}
	}

	return &Supervisor{
		config:  cfg,
		handler: handler,
		logger:  noopLogger{},
		status:  StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Run launches the runnable.
//
// A launch failure is handled like an unexpected exit: the restart procedure
// runs before Run returns, and the original start error is returned for the
// caller's information.
func (s *Supervisor) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyRunning
	}
	s.cancelPendingLocked()
	return s.runLocked()
}

// runLocked starts a child and attaches it. Callers hold s.mu.
func (s *Supervisor) runLocked() error {
	s.status = StatusStarting

	s.logger.Info("starting runnable",
		"name", s.config.Name,
		"command", s.config.CommandLine,
	)

	c, err := s.spawn()
	if err != nil {
		s.lastError = err
		s.logger.Error("runnable failed to start",
			"name", s.config.Name,
			"error", err,
		)
		s.rerunLocked()
		return err
	}

	s.current = c
	s.status = StatusRunning
	go s.watch(c)

	s.logger.Info("runnable started",
		"name", s.config.Name,
		"pid", c.pid,
	)
	return nil
}

// spawn starts the shell with pipes for all three standard streams.
//
// All three are os.Pipe files: stdin so writes can carry a deadline, and
// stdout and stderr so cmd.Wait returns when the shell exits even if a
// background descendant still holds them open.
func (s *Supervisor) spawn() (*child, error) {
	if strings.TrimSpace(s.config.CommandLine) == "" {
		return nil, ErrEmptyCommandLine
	}

	cmd := exec.Command(s.config.Shell, "-c", s.config.CommandLine) //nolint:gosec // command line is operator configuration

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("starting %s: %w", s.config.Name, err)
	}
	// The child holds its own copies.
	closeFiles(stdinR, stdoutW, stderrW)

	return &child{
		cmd:     cmd,
		stdin:   stdinW,
		stdout:  stdoutR,
		stderr:  stderrR,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// watch reaps the child and triggers the restart procedure unless the child
// was detached in the meantime. Output readers run on their own; after the
// exit they get exitDrainTimeout to deliver what the child wrote last.
func (s *Supervisor) watch(c *child) {
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStderr(c)
	}()
	go func() {
		defer readers.Done()
		s.readStdout(c)
	}()
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	err := c.cmd.Wait()
	close(c.done)

	select {
	case <-drained:
	case <-time.After(exitDrainTimeout):
		s.logger.Debug("runnable output still open after exit",
			"name", s.config.Name,
			"pid", c.pid,
		)
	}
	s.handleExit(c, err)
}

func (s *Supervisor) readStdout(c *child) {
	defer c.stdout.Close()

	limit := s.config.MaxBufferBytes
	framer := NewFramer(limit)
	var exceeds func(n int) bool
	if limit > 0 {
		exceeds = func(n int) bool { return framer.Pending()+n > limit }
	}

	err := readLines(c.stdout, exceeds, func(line []byte, overflow bool) {
		if c.detached.Load() {
			return
		}
		if overflow {
			framer.Reset()
			s.logger.Warn("discarding runnable output",
				"name", s.config.Name,
				"limit", limit,
				"error", ErrFrameTooLarge,
			)
			return
		}
		s.logger.Debug("runnable output",
			"name", s.config.Name,
			"line", strings.TrimRight(string(line), "\r\n"),
		)

		msg, err := framer.Push(line)
		if err != nil {
			s.logger.Warn("discarding runnable output",
				"name", s.config.Name,
				"limit", s.config.MaxBufferBytes,
				"error", err,
			)
			return
		}
		if msg != nil {
			s.deliver(c, msg)
		}
	})
	if err != nil {
		s.logger.Debug("stdout closed", "name", s.config.Name, "error", err)
	}
	if n := framer.Pending(); n > 0 && !c.detached.Load() {
		s.logger.Warn("runnable exited with incomplete message",
			"name", s.config.Name,
			"bytes", n,
		)
	}
}

func (s *Supervisor) readStderr(c *child) {
	defer c.stderr.Close()

	exceeds := func(n int) bool { return n > maxStderrLine }
	_ = readLines(c.stderr, exceeds, func(line []byte, overflow bool) {
		if overflow {
			s.logger.Warn("runnable stderr line too long", "name", s.config.Name, "limit", maxStderrLine)
			return
		}
		s.logger.Error("runnable stderr",
			"name", s.config.Name,
			"pid", c.pid,
			"output", strings.TrimRight(string(line), "\r\n"),
		)
	})
}

// deliver resets the retry budget and hands msg to the handler.
func (s *Supervisor) deliver(c *child, msg json.RawMessage) {
	s.mu.Lock()
	if c != s.current {
		s.mu.Unlock()
		return
	}
	s.retry = 0
	s.mu.Unlock()

	s.logger.Debug("received message", "name", s.config.Name, "message", string(msg))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked",
				"name", s.config.Name,
				"panic", r,
			)
		}
	}()
	s.handler(msg)
}

func (s *Supervisor) handleExit(c *child, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.detached.Load() || c != s.current {
		return
	}

	if err == nil {
		err = errors.New("exited with status 0")
	}
	s.lastError = fmt.Errorf("runnable %s: %w", s.config.Name, err)

	s.logger.Warn("runnable exited unexpectedly",
		"name", s.config.Name,
		"pid", c.pid,
		"error", err,
	)
	s.rerunLocked()
}

// rerunLocked is the restart procedure: terminate the current child, then
// relaunch while retries remain. Callers hold s.mu.
func (s *Supervisor) rerunLocked() {
	s.terminateLocked()

	if s.retry >= s.config.MaxRetries {
		s.status = StatusFailed
		s.logger.Error("could not establish connection to runnable",
			"name", s.config.Name,
			"retries", s.retry,
			"error", s.lastError,
		)
		return
	}

	s.retry++
	s.restarts++
	s.logger.Info("restarting runnable",
		"name", s.config.Name,
		"attempt", s.retry,
		"max_retries", s.config.MaxRetries,
		"delay", s.config.RestartDelay,
	)

	if s.config.RestartDelay <= 0 {
		_ = s.runLocked() //nolint:errcheck // failure already logged and handled
		return
	}

	s.status = StatusStarting
	s.pendingRun++
	gen := s.pendingRun
	s.timer = time.AfterFunc(s.config.RestartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.pendingRun || s.timer == nil || s.current != nil {
			return
		}
		s.timer = nil
		_ = s.runLocked() //nolint:errcheck // failure already logged and handled
	})
}

// cancelPendingLocked stops a scheduled delayed restart.
func (s *Supervisor) cancelPendingLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pendingRun++
}

// Send encodes message as one line of JSON and writes it to the runnable.
//
// Without a running child the message is dropped with a warning. A failed
// or timed-out write restarts the runnable. Only encoding errors are
// returned.
func (s *Supervisor) Send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	if c == nil {
		s.logger.Warn("dropping message",
			"name", s.config.Name,
			"error", ErrNotRunning,
			"message", string(data),
		)
		return nil
	}

	werr := s.write(c, append(data, '\n'))

	s.mu.Lock()
	defer s.mu.Unlock()

	if c != s.current {
		// Replaced or terminated while writing; the outcome no longer matters.
		return nil
	}

	if werr != nil {
		s.lastError = fmt.Errorf("%w: %w", ErrWriteFailed, werr)
		s.logger.Warn("runnable did not accept message",
			"name", s.config.Name,
			"pid", c.pid,
			"error", werr,
		)
		s.rerunLocked()
		return nil
	}

	s.retry = 0
	s.logger.Info("sent message", "name", s.config.Name, "message", string(data))
	return nil
}

func (s *Supervisor) write(c *child, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.stdin.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		s.logger.Debug("stdin write deadline unsupported", "name", s.config.Name, "error", err)
	}
	_, err := c.stdin.Write(data)
	return err
}

// Terminate stops the runnable without restarting it. It does not wait for
// the child to exit; SIGKILL follows SIGTERM after GracefulTimeout.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelPendingLocked()
	if s.current == nil {
		s.logger.Debug("no runnable to terminate", "name", s.config.Name)
		if s.status != StatusFailed {
			s.status = StatusStopped
		}
		return
	}
	s.terminateLocked()
	s.status = StatusStopped
}

// terminateLocked detaches and signals the current child. Callers hold s.mu.
func (s *Supervisor) terminateLocked() {
	c := s.current
	if c == nil {
		return
	}
	s.current = nil
	c.detached.Store(true)

	s.logger.Info("stopping runnable", "name", s.config.Name, "pid", c.pid)

	if err := c.stdin.Close(); err != nil {
		s.logger.Debug("closing stdin", "name", s.config.Name, "error", err)
	}
	s.signal(c, unix.SIGTERM)
	go s.reap(c)
}

// reap escalates to SIGKILL if the child outlives the graceful timeout.
func (s *Supervisor) reap(c *child) {
	timer := time.NewTimer(s.config.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
		s.logger.Debug("runnable stopped", "name", s.config.Name, "pid", c.pid)
	case <-timer.C:
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"pid", c.pid,
			"timeout", s.config.GracefulTimeout,
		)
		s.signal(c, unix.SIGKILL)
		<-c.done
	}

	// Unblock readers still held open by a descendant.
	closeFiles(c.stdout, c.stderr)
}

// signal delivers sig to the child's whole process group.
func (s *Supervisor) signal(c *child, sig unix.Signal) {
	// Negative PID addresses the process group created via Setpgid
	if err := unix.Kill(-c.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("failed to signal process group",
			"name", s.config.Name,
			"pid", c.pid,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// Status returns the current status of the runnable.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning returns true if a child is currently attached.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// PID returns the process ID of the current child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current.pid
	}
	return 0
}

// RetryCount returns the number of consecutive restarts since the last
// successful exchange.
func (s *Supervisor) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// LastError returns the most recent fault observed.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Stats returns statistics about the supervised runnable.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RetryCount   int           `json:"retry_count"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the runnable.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Name:         s.config.Name,
		Status:       s.status,
		RetryCount:   s.retry,
		RestartCount: s.restarts,
	}

	if s.current != nil {
		stats.PID = s.current.pid
		stats.Uptime = time.Since(s.current.started)
	}

	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}

	return stats
}
