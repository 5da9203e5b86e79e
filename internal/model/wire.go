package model

// RequestType identifies the operation carried by a channel request.
type RequestType string

const (
	RequestCreate RequestType = "create"
	RequestWrite  RequestType = "write"
	RequestResize RequestType = "resize"
	RequestKill   RequestType = "kill"
	RequestList   RequestType = "list"
	RequestStream RequestType = "data"
)

// TerminalOptions are the caller-supplied options for creating a terminal.
type TerminalOptions struct {
	Name  string            `json:"name,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Shell string            `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// RequestData is the typed payload of a channel request.
type RequestData struct {
	Text    string           `json:"text,omitempty"`
	Cols    int              `json:"cols,omitempty"`
	Rows    int              `json:"rows,omitempty"`
	Options *TerminalOptions `json:"options,omitempty"`
}

// Request is a session-control message sent across the channel bridge.
// Timestamp is the send time in Unix milliseconds; responses echo it so
// the bridge can account round-trip latency.
type Request struct {
	Type       RequestType  `json:"type"`
	TerminalID string       `json:"terminalId"`
	Data       *RequestData `json:"data,omitempty"`
	Timestamp  int64        `json:"timestamp,omitempty"`
	RequestID  string       `json:"requestId,omitempty"`
}

// TerminalSummary is one entry of a list response.
type TerminalSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	IsActive bool   `json:"isActive"`
}

// ResponseData is the typed payload of a channel response. Output is set
// on unsolicited data deliveries pushed from the host side.
type ResponseData struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	PID       int               `json:"pid,omitempty"`
	Output    string            `json:"output,omitempty"`
	Terminals []TerminalSummary `json:"terminals,omitempty"`
}

// Response answers a Request, correlated by RequestID. Timestamp echoes
// the request timestamp when answering; data pushes carry their own.
type Response struct {
	Success   bool          `json:"success"`
	Data      *ResponseData `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
}
