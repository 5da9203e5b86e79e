package term

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// SpawnConfig describes the subprocess to launch. All stdio is piped.
type SpawnConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Handle is the live view of a spawned subprocess. Stdin, Stdout and
// Stderr may be nil when pipe setup failed despite a nominally
// successful launch; callers must treat that as a setup failure.
type Handle interface {
	PID() int
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error

	// Wait blocks until the subprocess exits and returns the exit code,
	// the terminating signal name ("" when none), and any wait error.
	Wait() (int, string, error)
}

// Spawner launches subprocesses. The production implementation wraps
// os/exec; tests substitute fakes.
type Spawner interface {
	Spawn(cfg SpawnConfig) (Handle, error)
}

type execSpawner struct{}

// NewExecSpawner returns the os/exec-backed Spawner.
func NewExecSpawner() Spawner {
	return execSpawner{}
}

func (execSpawner) Spawn(cfg SpawnConfig) (Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdin() io.Writer  { return h.stdin }
func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Wait() (int, string, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, "", nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		signal := ""
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
			code = 0 // killed, no meaningful exit code
		}
		return code, signal, nil
	}
	return 0, "", err
}
