package term

import (
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devdesk-terminal/host/internal/buffer"
	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/model"
)

// fakeHandle simulates a spawned subprocess. Tests feed output through
// the stdout/stderr pipes and resolve Wait by calling exit.
type fakeHandle struct {
	pid int

	mu      sync.Mutex
	stdin   strings.Builder
	signals []os.Signal

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	noStdout bool
	noStderr bool

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
	exitSig  string

	// termExits makes the graceful signal behave like a cooperative
	// shell that exits on request.
	termExits bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{pid: 4242, exited: make(chan struct{})}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Stdin() io.Writer { return writerFunc(func(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stdin.Write(p)
	return len(p), nil
}) }

func (h *fakeHandle) Stdout() io.Reader {
	if h.noStdout {
		return nil
	}
	return h.stdoutR
}

func (h *fakeHandle) Stderr() io.Reader {
	if h.noStderr {
		return nil
	}
	return h.stderrR
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	termExits := h.termExits
	h.mu.Unlock()

	if termExits && sig == gracefulSignal() {
		h.exit(0, sig.String())
	}
	return nil
}

func (h *fakeHandle) Wait() (int, string, error) {
	<-h.exited
	return h.exitCode, h.exitSig, nil
}

func (h *fakeHandle) exit(code int, sig string) {
	h.exitOnce.Do(func() {
		h.exitCode = code
		h.exitSig = sig
		h.stdoutW.Close()
		h.stderrW.Close()
		close(h.exited)
	})
}

func (h *fakeHandle) stdinString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdin.String()
}

func (h *fakeHandle) signalCount(sig os.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.signals {
		if s == sig {
			n++
		}
	}
	return n
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type fakeSpawner struct {
	handle *fakeHandle
	err    error
	last   SpawnConfig
}

func (f *fakeSpawner) Spawn(cfg SpawnConfig) (Handle, error) {
	f.last = cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

// newTestSession builds a running session around a fake handle with a
// fast flush cadence and a banner deferred past the test horizon.
func newTestSession(t *testing.T, spawner *fakeSpawner) *Session {
	t.Helper()

	bufOpts := buffer.DefaultOptions()
	bufOpts.FlushInterval = 2 * time.Millisecond

	s, err := NewSession("sess-1", Options{
		Shell:         "/bin/fakesh",
		Workdir:       "/tmp",
		Spawner:       spawner,
		BufferOptions: &bufOpts,
		BannerDelay:   time.Hour,
		KillGrace:     50 * time.Millisecond,
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_SpawnWiresOutput(t *testing.T) {
	handle := newFakeHandle()
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	var mu sync.Mutex
	var output string
	s.SetOnData(func(p string) {
		mu.Lock()
		output += p
		mu.Unlock()
	})

	s.Spawn()

	if spawner.last.Command != "/bin/fakesh" {
		t.Errorf("expected shell /bin/fakesh, got %q", spawner.last.Command)
	}
	if len(spawner.last.Args) != 0 {
		t.Errorf("expected empty argv, got %v", spawner.last.Args)
	}
	if !s.IsRunning() {
		t.Error("session should be running after spawn")
	}
	if s.PID() != 4242 {
		t.Errorf("expected pid 4242, got %d", s.PID())
	}

	env := strings.Join(spawner.last.Env, "\n")
	for _, want := range []string{"TERM=xterm-256color", "COLORTERM=truecolor", "COLUMNS=80", "LINES=24"} {
		if !strings.Contains(env, want) {
			t.Errorf("spawn env missing %q", want)
		}
	}

	handle.stdoutW.Write([]byte("hello from shell\n"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(output, "hello from shell")
	}, "stdout never delivered through the buffer")
}

func TestSession_SpawnFailureEmitsError(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("no such shell")}
	s := newTestSession(t, spawner)
	defer s.Close()

	var mu sync.Mutex
	var got error
	s.SetOnError(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	s.Spawn() // must not panic

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected error event on spawn failure")
	}
	if s.IsRunning() {
		t.Error("session must stay non-running after spawn failure")
	}
}

func TestSession_MissingStdioEmitsError(t *testing.T) {
	handle := newFakeHandle()
	handle.noStdout = true
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	var mu sync.Mutex
	var got error
	s.SetOnError(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	s.Spawn()

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected error event for missing stdio")
	}
	if s.IsRunning() {
		t.Error("session must stay non-running after stdio setup failure")
	}
}

func TestSession_WriteEchoSemantics(t *testing.T) {
	handle := newFakeHandle()
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	var mu sync.Mutex
	var echoed string
	s.SetOnData(func(p string) {
		mu.Lock()
		echoed += p
		mu.Unlock()
	})

	s.Spawn()

	t.Run("carriage return", func(t *testing.T) {
		s.Write("\r")
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return strings.Contains(echoed, "\r\n")
		}, "carriage return was not echoed as CRLF")
		if got := handle.stdinString(); got != "\n" {
			t.Errorf("expected bare newline forwarded, got %q", got)
		}
	})

	t.Run("backspace", func(t *testing.T) {
		before := handle.stdinString()
		s.Write("\x7f")
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return strings.Contains(echoed, "\b \b")
		}, "backspace was not echoed as rubout")
		if handle.stdinString() != before {
			t.Error("backspace must not be forwarded to the shell")
		}
	})

	t.Run("plain characters", func(t *testing.T) {
		s.Write("ls")
		waitFor(t, func() bool {
			return strings.HasSuffix(handle.stdinString(), "ls")
		}, "plain input was not forwarded verbatim")
	})
}

func TestSession_WriteWithoutProcess(t *testing.T) {
	spawner := &fakeSpawner{handle: newFakeHandle()}
	s := newTestSession(t, spawner)
	defer s.Close()

	// Never spawned: write must be a logged no-op, not a panic.
	s.Write("ignored")
	s.Resize(120, 40)
}

func TestSession_WhitespaceOnlyOutputNeverBuffered(t *testing.T) {
	handle := newFakeHandle()
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	s.Spawn()
	handle.stdoutW.Write([]byte("   \n\n   "))

	// Give the read loop time to process, then confirm nothing reached
	// the buffer.
	time.Sleep(50 * time.Millisecond)
	if got := s.BufferMetrics().TotalWrites; got != 0 {
		t.Errorf("whitespace-only chunk must be dropped before the buffer, got %d writes", got)
	}
}

func TestSession_ExitReportsCodeAndCancelsEscalation(t *testing.T) {
	handle := newFakeHandle()
	handle.termExits = true
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	var mu sync.Mutex
	exitCode := -1
	s.SetOnExit(func(code int, signal string) {
		mu.Lock()
		exitCode = code
		mu.Unlock()
	})

	s.Spawn()
	s.Kill()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exitCode == 0
	}, "exit event never fired")

	// Past the grace period: the escalation must have been cancelled by
	// the self-reported exit.
	time.Sleep(120 * time.Millisecond)
	if n := handle.signalCount(forcefulSignal()); n != 0 {
		t.Errorf("expected no forceful signal after timely exit, got %d", n)
	}
	if s.State() != model.SessionExited {
		t.Errorf("expected Exited state, got %v", s.State())
	}
	if code := s.ExitCode(); code == nil || *code != 0 {
		t.Errorf("expected retained exit code 0, got %v", code)
	}
}

func TestSession_KillEscalatesOnce(t *testing.T) {
	handle := newFakeHandle() // ignores the graceful signal
	spawner := &fakeSpawner{handle: handle}
	s := newTestSession(t, spawner)
	defer s.Close()

	s.Spawn()
	s.Kill()

	waitFor(t, func() bool {
		return handle.signalCount(forcefulSignal()) > 0
	}, "forceful signal never sent after grace period")

	time.Sleep(120 * time.Millisecond)
	if n := handle.signalCount(forcefulSignal()); n != 1 {
		t.Errorf("forceful signal must be sent exactly once, got %d", n)
	}
	if n := handle.signalCount(gracefulSignal()); n != 1 {
		t.Errorf("graceful signal must be sent exactly once, got %d", n)
	}

	// Second kill is a no-op.
	s.Kill()
	if n := handle.signalCount(gracefulSignal()); n != 1 {
		t.Errorf("kill must be idempotent, got %d graceful signals", n)
	}
}

func TestSession_SelfExitReleasesBuffer(t *testing.T) {
	before := runtime.NumGoroutine()

	var mu sync.Mutex
	var output string

	// A flush interval past the test horizon: trailing output can only
	// arrive through the final flush on the exit path.
	bufOpts := buffer.DefaultOptions()
	bufOpts.FlushInterval = time.Hour

	for i := 0; i < 10; i++ {
		handle := newFakeHandle()
		spawner := &fakeSpawner{handle: handle}

		s, err := NewSession("sess-exit", Options{
			Shell:         "/bin/fakesh",
			Workdir:       "/tmp",
			Spawner:       spawner,
			BufferOptions: &bufOpts,
			BannerDelay:   time.Hour,
			KillGrace:     time.Hour,
		}, logging.NewNop())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}

		exited := make(chan struct{})
		s.SetOnData(func(p string) {
			mu.Lock()
			output += p
			mu.Unlock()
		})
		s.SetOnExit(func(code int, signal string) { close(exited) })

		s.Spawn()
		handle.stdoutW.Write([]byte("bye\n"))
		waitFor(t, func() bool {
			return s.BufferMetrics().TotalWrites == 1
		}, "output never reached the buffer")
		handle.exit(0, "")
		<-exited
	}

	mu.Lock()
	if got := strings.Count(output, "bye"); got != 10 {
		t.Errorf("expected the final flush to deliver all 10 trailing payloads, got %d", got)
	}
	mu.Unlock()

	// Self-exited sessions must not retain their flush-loop goroutines.
	waitFor(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, "flush-loop goroutines survived self-exited sessions")
}

func TestSession_BannerAfterDelay(t *testing.T) {
	handle := newFakeHandle()
	spawner := &fakeSpawner{handle: handle}

	bufOpts := buffer.DefaultOptions()
	bufOpts.FlushInterval = 2 * time.Millisecond

	s, err := NewSession("sess-banner", Options{
		Shell:         "/bin/fakesh",
		Workdir:       "/tmp",
		Spawner:       spawner,
		BufferOptions: &bufOpts,
		BannerDelay:   10 * time.Millisecond,
		KillGrace:     time.Hour,
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	var mu sync.Mutex
	var output string
	s.SetOnData(func(p string) {
		mu.Lock()
		output += p
		mu.Unlock()
	})

	s.Spawn()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(output, "Welcome to DevDesk Terminal")
	}, "initial prompt banner never delivered")
}
