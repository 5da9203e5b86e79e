package model

import (
	"encoding/json"
	"time"
)

// SessionState describes the lifecycle of a terminal session.
// A session is created Idle, becomes Running once its shell subprocess
// is spawned, and ends Exited. There is no transition out of Exited;
// exited sessions keep their last-known state for display.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionExited
)

// String returns the storage/display name of the state.
func (s SessionState) String() string {
	switch s {
	case SessionRunning:
		return "running"
	case SessionExited:
		return "exited"
	default:
		return "idle"
	}
}

// ParseSessionState converts a stored state name back to a SessionState.
// Unknown values map to SessionIdle.
func ParseSessionState(v string) SessionState {
	switch v {
	case "running":
		return SessionRunning
	case "exited":
		return SessionExited
	default:
		return SessionIdle
	}
}

// Session is the persistent record of a terminal session. The live
// subprocess handle is owned by the term package; this type carries the
// metadata and last-known state that survives termination.
type Session struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Shell          string            `json:"shell"`
	Workdir        string            `json:"workdir"`
	Env            map[string]string `json:"env,omitempty"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
	State          SessionState      `json:"state"`
	ExitCode       *int              `json:"exitCode,omitempty"`
	PID            *int              `json:"pid,omitempty"`
	TranscriptPath string            `json:"transcriptPath,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// EnvToJSON serializes the environment overlay for storage.
func (s *Session) EnvToJSON() (string, error) {
	if s.Env == nil {
		return "", nil
	}
	data, err := json.Marshal(s.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a stored environment overlay.
func (s *Session) EnvFromJSON(data string) error {
	if data == "" {
		s.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Env)
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}
