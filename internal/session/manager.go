// Package session coordinates terminal sessions on the host side:
// lifecycle, persistence, transcript recording, and channel dispatch.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/internal/bridge"
	"github.com/devdesk-terminal/host/internal/buffer"
	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/model"
	"github.com/devdesk-terminal/host/internal/term"
	"github.com/devdesk-terminal/host/internal/transcript"
)

// Store persists session metadata. Implemented by the SQLite repository.
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context) ([]*model.Session, error)
	Delete(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state model.SessionState, exitCode *int) error
	UpdatePID(ctx context.Context, id string, pid int) error
	UpdateSize(ctx context.Context, id string, cols, rows int) error
	CountActive(ctx context.Context) (int, error)
}

// Config holds manager configuration.
type Config struct {
	TranscriptDir string
	MaxSessions   int

	// Spawner, BufferOptions, BannerDelay, and KillGrace pass through to
	// each session; tests inject fakes and short schedules here.
	Spawner       term.Spawner
	BufferOptions *buffer.Options
	BannerDelay   time.Duration
	KillGrace     time.Duration
}

// CreateRequest describes one terminal to create.
type CreateRequest struct {
	// ID is assigned when empty.
	ID      string
	Options model.TerminalOptions
	Cols    int
	Rows    int
}

type entry struct {
	sess *term.Session
	meta *model.Session
	rec  *transcript.Recorder

	// sink receives filtered output for the channel attachment that
	// created the terminal; REST listeners use AddOutputListener.
	sink func(payload string)
}

// Manager owns the live session registry and dispatches channel
// requests against it.
type Manager struct {
	store  Store
	config Config
	log    *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
}

// NewManager creates a session manager.
func NewManager(store Store, config Config, log *logging.Logger) *Manager {
	if config.MaxSessions == 0 {
		config.MaxSessions = 16
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		store:    store,
		config:   config,
		log:      log.Named("session"),
		sessions: make(map[string]*entry),
	}
}

// Create spawns a new terminal session and persists its record.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("session manager is shut down")
	}

	running, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	if running >= m.config.MaxSessions {
		return nil, fmt.Errorf("maximum active sessions (%d) reached", m.config.MaxSessions)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	shell := req.Options.Shell
	if shell == "" {
		shell = term.DefaultShell(runtime.GOOS, os.Getenv)
	}
	workdir := req.Options.Cwd
	if workdir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workdir = home
		} else {
			workdir = "."
		}
	}
	name := req.Options.Name
	if name == "" {
		name = fmt.Sprintf("Terminal %s", id[:8])
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	now := time.Now()
	meta := &model.Session{
		ID:        id,
		Name:      name,
		Shell:     shell,
		Workdir:   workdir,
		Env:       req.Options.Env,
		Cols:      cols,
		Rows:      rows,
		State:     model.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var rec *transcript.Recorder
	if m.config.TranscriptDir != "" {
		path := filepath.Join(m.config.TranscriptDir, id+".cast")
		r, err := transcript.NewRecorder(path, cols, rows, map[string]string{
			"SHELL": shell,
			"TERM":  "xterm-256color",
		})
		if err != nil {
			// The session is still usable without its recording.
			m.log.Warn("failed to create transcript", zap.String("session", id), zap.Error(err))
		} else {
			rec = r
			meta.TranscriptPath = path
		}
	}

	if err := m.store.Create(ctx, meta); err != nil {
		if rec != nil {
			rec.Close()
		}
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	sess, err := term.NewSession(id, term.Options{
		Name:          name,
		Shell:         shell,
		Workdir:       workdir,
		Env:           req.Options.Env,
		Cols:          cols,
		Rows:          rows,
		Spawner:       m.config.Spawner,
		BufferOptions: m.config.BufferOptions,
		BannerDelay:   m.config.BannerDelay,
		KillGrace:     m.config.KillGrace,
	}, m.log)
	if err != nil {
		m.store.Delete(ctx, id)
		if rec != nil {
			rec.Close()
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	e := &entry{sess: sess, meta: meta, rec: rec}
	sess.SetOnData(func(payload string) { m.handleOutput(id, payload) })
	sess.SetOnExit(func(code int, signal string) { m.handleExit(id, code, signal) })
	sess.SetOnError(func(err error) {
		m.log.Warn("session error", zap.String("session", id), zap.Error(err))
	})

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	sess.Spawn()

	if pid := sess.PID(); pid > 0 {
		m.mu.Lock()
		e.meta.PID = &pid
		e.meta.State = sess.State()
		e.meta.UpdatedAt = time.Now()
		m.mu.Unlock()
		if err := m.store.UpdatePID(ctx, id, pid); err != nil {
			m.log.Warn("failed to persist pid", zap.String("session", id), zap.Error(err))
		}
		if err := m.store.UpdateState(ctx, id, model.SessionRunning, nil); err != nil {
			m.log.Warn("failed to persist state", zap.String("session", id), zap.Error(err))
		}
	}

	m.log.Info("session created",
		zap.String("session", id),
		zap.String("shell", shell),
		zap.String("workdir", workdir))

	m.mu.RLock()
	out := *e.meta
	m.mu.RUnlock()
	return &out, nil
}

// handleOutput fans filtered output out to the transcript and the
// channel sink.
func (m *Manager) handleOutput(id, payload string) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var rec *transcript.Recorder
	var sink func(string)
	if ok {
		rec = e.rec
		sink = e.sink
	}
	m.mu.RUnlock()

	if !ok {
		return
	}
	if rec != nil {
		if err := rec.WriteOutput(payload); err != nil {
			m.log.Debug("transcript write failed", zap.String("session", id), zap.Error(err))
		}
	}
	if sink != nil {
		sink(payload)
	}
}

// handleExit persists the terminal state and closes the transcript.
func (m *Manager) handleExit(id string, code int, signal string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	var rec *transcript.Recorder
	if ok {
		e.meta.State = model.SessionExited
		e.meta.ExitCode = &code
		e.meta.UpdatedAt = time.Now()
		rec = e.rec
		e.rec = nil
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if rec != nil {
		rec.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateState(ctx, id, model.SessionExited, &code); err != nil {
		m.log.Warn("failed to persist exit", zap.String("session", id), zap.Error(err))
	}

	m.log.Info("session exited",
		zap.String("session", id),
		zap.Int("exitCode", code),
		zap.String("signal", signal))
}

// Write sends input to a session and records it.
func (m *Manager) Write(id, text string) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var rec *transcript.Recorder
	if ok {
		rec = e.rec
	}
	m.mu.RUnlock()

	if !ok {
		return model.ErrSessionNotFound
	}
	if !e.sess.IsRunning() {
		return model.ErrSessionNotRunning
	}

	e.sess.Write(text)
	if rec != nil {
		if err := rec.WriteInput(text); err != nil {
			m.log.Debug("transcript write failed", zap.String("session", id), zap.Error(err))
		}
	}
	return nil
}

// Resize applies new geometry to a session.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows int) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.meta.Cols = cols
		e.meta.Rows = rows
		e.meta.UpdatedAt = time.Now()
	}
	m.mu.Unlock()

	if !ok {
		return model.ErrSessionNotFound
	}

	e.sess.Resize(cols, rows)
	if err := m.store.UpdateSize(ctx, id, cols, rows); err != nil {
		m.log.Warn("failed to persist size", zap.String("session", id), zap.Error(err))
	}
	return nil
}

// Kill terminates a session's shell, escalating after the grace period.
func (m *Manager) Kill(id string) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return model.ErrSessionNotFound
	}
	e.sess.Kill()
	return nil
}

// Get returns a session's current record, from memory when live.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var transcriptPath string
	if ok {
		transcriptPath = e.meta.TranscriptPath
	}
	m.mu.RUnlock()

	if ok {
		snap := e.sess.Snapshot()
		snap.TranscriptPath = transcriptPath
		return snap, nil
	}
	return m.store.GetByID(ctx, id)
}

// List returns all persisted session records.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	return m.store.List(ctx)
}

// Summaries returns the live terminal inventory for channel clients.
func (m *Manager) Summaries() []model.TerminalSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]model.TerminalSummary, 0, len(m.sessions))
	for id, e := range m.sessions {
		summaries = append(summaries, model.TerminalSummary{
			ID:       id,
			Name:     e.sess.Name(),
			PID:      e.sess.PID(),
			IsActive: e.sess.IsRunning(),
		})
	}
	return summaries
}

// Delete terminates a session and removes its record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		e.sess.Close()
		if e.rec != nil {
			e.rec.Close()
		}
	}
	return m.store.Delete(ctx, id)
}

// SetOutputSink binds a session's output to a callback, replacing any
// previous sink.
func (m *Manager) SetOutputSink(id string, sink func(payload string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return model.ErrSessionNotFound
	}
	e.sink = sink
	return nil
}

// Attach serves channel requests arriving on the host-side endpoint,
// posting responses that echo the request's timestamp and ID.
func (m *Manager) Attach(ep bridge.Endpoint) {
	ep.SetOnMessage(func(data []byte) { m.dispatch(ep, data) })
	ep.Start()
}

func (m *Manager) dispatch(ep bridge.Endpoint, data []byte) {
	var req model.Request
	if err := json.Unmarshal(data, &req); err != nil {
		m.log.Warn("discarding malformed request", zap.Error(err))
		return
	}

	resp := m.handle(ep, req)
	resp.Timestamp = req.Timestamp
	resp.RequestID = req.RequestID
	m.post(ep, resp)
}

func (m *Manager) handle(ep bridge.Endpoint, req model.Request) model.Response {
	switch req.Type {
	case model.RequestCreate:
		return m.handleCreate(ep, req)

	case model.RequestWrite, model.RequestStream:
		if req.Data == nil {
			return failure("write request missing data")
		}
		if err := m.Write(req.TerminalID, req.Data.Text); err != nil {
			return failure(err.Error())
		}
		return success(&model.ResponseData{ID: req.TerminalID})

	case model.RequestResize:
		if req.Data == nil || req.Data.Cols <= 0 || req.Data.Rows <= 0 {
			return failure("resize request missing geometry")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Resize(ctx, req.TerminalID, req.Data.Cols, req.Data.Rows); err != nil {
			return failure(err.Error())
		}
		return success(&model.ResponseData{ID: req.TerminalID})

	case model.RequestKill:
		if err := m.Kill(req.TerminalID); err != nil {
			return failure(err.Error())
		}
		return success(&model.ResponseData{ID: req.TerminalID})

	case model.RequestList:
		return success(&model.ResponseData{Terminals: m.Summaries()})

	default:
		return failure(fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

func (m *Manager) handleCreate(ep bridge.Endpoint, req model.Request) model.Response {
	var opts model.TerminalOptions
	cols, rows := 0, 0
	if req.Data != nil {
		if req.Data.Options != nil {
			opts = *req.Data.Options
		}
		cols, rows = req.Data.Cols, req.Data.Rows
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta, err := m.Create(ctx, CreateRequest{
		ID:      req.TerminalID,
		Options: opts,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return failure(err.Error())
	}

	// Stream this terminal's output back over the creating endpoint.
	id := meta.ID
	if err := m.SetOutputSink(id, func(payload string) {
		m.post(ep, model.Response{
			Success: true,
			Data:    &model.ResponseData{ID: id, Output: payload},
		})
	}); err != nil {
		m.log.Warn("failed to bind output sink", zap.String("session", id), zap.Error(err))
	}

	pid := 0
	if meta.PID != nil {
		pid = *meta.PID
	}
	return success(&model.ResponseData{ID: id, Name: meta.Name, PID: pid})
}

func (m *Manager) post(ep bridge.Endpoint, resp model.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		m.log.Error("failed to encode response", zap.Error(err))
		return
	}
	if err := ep.Post(data); err != nil {
		m.log.Debug("failed to post response", zap.Error(err))
	}
}

func success(data *model.ResponseData) model.Response {
	return model.Response{Success: true, Data: data}
}

func failure(message string) model.Response {
	return model.Response{Success: false, Error: message}
}

// Close terminates all sessions and releases their resources.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.closed = true
	m.mu.Unlock()

	for _, e := range entries {
		e.sess.Close()
		if e.rec != nil {
			e.rec.Close()
		}
	}
}
