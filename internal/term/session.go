// Package term owns interactive shell subprocesses: platform shell
// selection, spawning with piped stdio, input echo, resize and
// termination, and pre-filtering of raw output before it reaches the
// session's output buffer.
package term

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/internal/buffer"
	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/model"
)

const (
	// defaultCols and defaultRows are the initial geometry.
	defaultCols = 80
	defaultRows = 24

	// bannerDelay defers the synthetic initial prompt past the shell's
	// own startup output.
	bannerDelay = 500 * time.Millisecond

	// killGrace is how long Kill waits for a graceful exit before
	// escalating to the forceful signal.
	killGrace = 5 * time.Second

	// healthInterval is the cadence of the buffer health check.
	healthInterval = 10 * time.Second

	// readBufferSize is the size of each stdout/stderr read.
	readBufferSize = 4096
)

// Options configure a new Session. Zero values select defaults.
type Options struct {
	Name    string
	Shell   string
	Workdir string
	Env     map[string]string
	Cols    int
	Rows    int

	// Spawner overrides the process-spawning primitive; tests inject
	// fakes here. Defaults to the os/exec implementation.
	Spawner Spawner

	// BufferOptions override the output buffer tuning.
	BufferOptions *buffer.Options

	// BannerDelay and KillGrace override the fixed schedules in tests.
	BannerDelay time.Duration
	KillGrace   time.Duration
}

// Session owns exactly one shell subprocess and one output buffer. Raw
// stdout/stderr is filtered and coalesced before delivery; input is
// echoed back to the session output per terminal semantics. After
// termination the session retains its last-known state for display.
type Session struct {
	id        string
	name      string
	shell     string
	workdir   string
	env       map[string]string
	createdAt time.Time

	log     *logging.Logger
	spawner Spawner
	buf     *buffer.Manager

	bannerDelay time.Duration
	killGrace   time.Duration

	mu          sync.Mutex
	cols        int
	rows        int
	state       model.SessionState
	handle      Handle
	pid         int
	exitCode    *int
	killed      bool
	escalation  *time.Timer
	bannerTimer *time.Timer
	healthDone  chan struct{}
	healthStop  sync.Once

	onData  func(payload string)
	onError func(err error)
	onExit  func(code int, signal string)
}

// NewSession builds a session and its dedicated output buffer. Buffer
// construction failure is fatal and propagates synchronously; everything
// after Spawn settles through events instead.
func NewSession(id string, opts Options, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.NewNop()
	}

	name := opts.Name
	if name == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		name = fmt.Sprintf("Terminal %s", short)
	}

	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell(runtime.GOOS, os.Getenv)
	}

	workdir := opts.Workdir
	if workdir == "" {
		if cwd, err := os.Getwd(); err == nil {
			workdir = cwd
		} else {
			workdir = "."
		}
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	bufOpts := buffer.DefaultOptions()
	if opts.BufferOptions != nil {
		bufOpts = *opts.BufferOptions
	}
	buf, err := buffer.NewManager(bufOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create output buffer: %w", err)
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = NewExecSpawner()
	}

	delay := opts.BannerDelay
	if delay == 0 {
		delay = bannerDelay
	}
	grace := opts.KillGrace
	if grace == 0 {
		grace = killGrace
	}

	s := &Session{
		id:          id,
		name:        name,
		shell:       shell,
		workdir:     workdir,
		env:         opts.Env,
		cols:        cols,
		rows:        rows,
		createdAt:   time.Now(),
		log:         log.With(zap.String("session", id)),
		spawner:     spawner,
		buf:         buf,
		bannerDelay: delay,
		killGrace:   grace,
		state:       model.SessionIdle,
	}

	buf.SetOnDataReady(s.emitData)
	buf.SetOnChunksDropped(func(count int) {
		s.log.Warn("output chunks dropped under backpressure", zap.Int("count", count))
	})

	return s, nil
}

// SetOnData registers the output delivery callback.
func (s *Session) SetOnData(fn func(payload string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

// SetOnError registers the error event callback.
func (s *Session) SetOnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// SetOnExit registers the exit event callback. A missing exit code is
// reported as 0; signal is "" when the process was not signaled.
func (s *Session) SetOnExit(fn func(code int, signal string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Spawn launches the shell subprocess. Launch failures surface through
// the error event, never as a panic or returned error; the session
// simply stays Idle.
func (s *Session) Spawn() {
	s.mu.Lock()
	if s.state != model.SessionIdle {
		s.mu.Unlock()
		s.log.Warn("spawn requested on non-idle session", zap.String("state", s.state.String()))
		return
	}

	env := append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		fmt.Sprintf("COLUMNS=%d", s.cols),
		fmt.Sprintf("LINES=%d", s.rows),
	)
	for k, v := range s.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	handle, err := s.spawner.Spawn(SpawnConfig{
		Command: s.shell,
		Args:    []string{},
		Dir:     s.workdir,
		Env:     env,
	})
	if err != nil {
		s.mu.Unlock()
		s.log.Error("failed to spawn shell", zap.String("shell", s.shell), zap.Error(err))
		s.emitError(fmt.Errorf("failed to spawn shell: %w", err))
		return
	}

	if handle.Stdout() == nil || handle.Stderr() == nil {
		s.mu.Unlock()
		s.log.Error("shell launched without usable stdio", zap.String("shell", s.shell))
		s.emitError(fmt.Errorf("terminal stdio unavailable after launch"))
		return
	}

	s.handle = handle
	s.pid = handle.PID()
	s.state = model.SessionRunning
	s.bannerTimer = time.AfterFunc(s.bannerDelay, s.writeBanner)
	s.healthDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(handle.Stdout(), "stdout")
	go s.readLoop(handle.Stderr(), "stderr")
	go s.waitLoop(handle)
	go s.healthLoop()

	s.log.Info("shell spawned",
		zap.String("shell", s.shell),
		zap.String("workdir", s.workdir),
		zap.Int("pid", s.pid))
}

// readLoop filters one output stream into the buffer until it closes.
// Chunks that filter down to nothing are dropped with a diagnostic and
// never reach the buffer.
func (s *Session) readLoop(r io.Reader, source string) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			raw := string(buf[:n])
			filtered := FilterOutput(raw)
			if filtered == "" {
				s.log.Debug("dropping chunk with no printable output", zap.String("source", source))
			} else {
				s.buf.Write(filtered)
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop settles the exit state. A self-reported exit cancels the
// pending kill escalation and releases the output buffer after a final
// flush, so an exited shell holds no flush timer.
func (s *Session) waitLoop(handle Handle) {
	code, signal, err := handle.Wait()

	s.mu.Lock()
	s.state = model.SessionExited
	s.exitCode = &code
	if s.escalation != nil {
		s.escalation.Stop()
		s.escalation = nil
	}
	if s.bannerTimer != nil {
		s.bannerTimer.Stop()
		s.bannerTimer = nil
	}
	onExit := s.onExit
	s.mu.Unlock()

	s.stopHealth()
	s.buf.Flush()
	s.buf.Destroy()

	if err != nil {
		s.log.Warn("process wait failed", zap.Error(err))
		s.emitError(err)
	}
	s.log.Info("shell exited", zap.Int("code", code), zap.String("signal", signal))
	if onExit != nil {
		onExit(code, signal)
	}
}

// healthLoop periodically inspects the output buffer. It only observes
// and logs; it must never block the session.
func (s *Session) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h := s.buf.Health()
			if !h.IsHealthy {
				s.log.Warn("output buffer unhealthy",
					zap.Float64("backpressure", h.Backpressure),
					zap.Strings("warnings", h.Warnings))
			}
		case <-s.healthDone:
			return
		}
	}
}

// writeBanner emits the synthetic initial prompt.
func (s *Session) writeBanner() {
	s.mu.Lock()
	running := s.state == model.SessionRunning
	workdir := s.workdir
	s.mu.Unlock()

	if running {
		s.buf.Write(promptBanner(workdir))
	}
}

// Write forwards input to the shell with terminal echo semantics:
// carriage return echoes "\r\n" but forwards "\n", backspace/delete
// echoes "\b \b" and is not forwarded, everything else passes verbatim.
func (s *Session) Write(data string) {
	s.mu.Lock()
	if s.state != model.SessionRunning || s.handle == nil || s.handle.Stdin() == nil {
		s.mu.Unlock()
		s.log.Error("write to terminal with no running process")
		return
	}
	stdin := s.handle.Stdin()
	s.mu.Unlock()

	var echo, forward strings.Builder
	for i := 0; i < len(data); i++ {
		switch c := data[i]; c {
		case '\r':
			echo.WriteString("\r\n")
			forward.WriteByte('\n')
		case '\b', 0x7f:
			echo.WriteString("\b \b")
		default:
			echo.WriteByte(c)
			forward.WriteByte(c)
		}
	}

	if echo.Len() > 0 {
		s.buf.Write(echo.String())
	}
	if forward.Len() > 0 {
		if _, err := stdin.Write([]byte(forward.String())); err != nil {
			s.log.Error("failed to write to shell stdin", zap.Error(err))
		}
	}
}

// Resize updates the geometry and notifies the subprocess. Signal
// failures are logged, never raised.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	if s.state != model.SessionRunning {
		s.mu.Unlock()
		s.log.Debug("resize ignored, no running process")
		return
	}
	s.cols = cols
	s.rows = rows
	pid := s.pid
	s.mu.Unlock()

	if err := notifyResize(pid); err != nil {
		s.log.Warn("failed to signal resize", zap.Int("pid", pid), zap.Error(err))
	}
}

// Kill releases the output buffer, requests a graceful exit, and
// schedules the forceful escalation. A self-reported exit before the
// grace period elapses cancels the escalation.
func (s *Session) Kill() {
	s.mu.Lock()
	if s.state != model.SessionRunning || s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	handle := s.handle
	s.escalation = time.AfterFunc(s.killGrace, func() {
		s.mu.Lock()
		stillRunning := s.state == model.SessionRunning
		s.mu.Unlock()
		if stillRunning {
			s.log.Warn("grace period elapsed, sending forceful signal")
			if err := handle.Signal(forcefulSignal()); err != nil {
				s.log.Warn("forceful signal failed", zap.Error(err))
			}
		}
	})
	s.mu.Unlock()

	s.log.Info("terminating session")
	s.buf.Destroy()
	if err := handle.Signal(gracefulSignal()); err != nil {
		s.log.Warn("graceful signal failed", zap.Error(err))
	}
}

// Close releases all resources. Used on host shutdown; idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	running := s.state == model.SessionRunning && !s.killed
	if s.bannerTimer != nil {
		s.bannerTimer.Stop()
		s.bannerTimer = nil
	}
	s.mu.Unlock()

	if running {
		s.Kill()
	}
	s.stopHealth()
	s.buf.Destroy()
}

func (s *Session) stopHealth() {
	s.mu.Lock()
	done := s.healthDone
	s.mu.Unlock()
	if done != nil {
		s.healthStop.Do(func() { close(done) })
	}
}

func (s *Session) emitData(payload string) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// Shell returns the resolved shell command.
func (s *Session) Shell() string { return s.shell }

// Workdir returns the working directory.
func (s *Session) Workdir() string { return s.workdir }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// PID returns the subprocess id, 0 until spawned.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// IsRunning reports whether a live, un-killed subprocess exists.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.SessionRunning && !s.killed
}

// State returns the lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the recorded exit code, nil while running.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Snapshot returns the session's current persistent view.
func (s *Session) Snapshot() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &model.Session{
		ID:        s.id,
		Name:      s.name,
		Shell:     s.shell,
		Workdir:   s.workdir,
		Env:       s.env,
		Cols:      s.cols,
		Rows:      s.rows,
		State:     s.state,
		ExitCode:  s.exitCode,
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now(),
	}
	if s.pid > 0 {
		pid := s.pid
		snap.PID = &pid
	}
	return snap
}

// BufferMetrics exposes the owned buffer's counters.
func (s *Session) BufferMetrics() buffer.Metrics { return s.buf.Metrics() }

// BufferHealth exposes the owned buffer's health snapshot.
func (s *Session) BufferHealth() buffer.Health { return s.buf.Health() }

// PauseOutput suspends output delivery without stopping ingestion.
func (s *Session) PauseOutput() { s.buf.Pause() }

// ResumeOutput re-enables output delivery.
func (s *Session) ResumeOutput() { s.buf.Resume() }
