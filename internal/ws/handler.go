package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/internal/bridge"
	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The host binds to loopback; remote origins never reach it.
		return true
	},
}

// SetCheckOrigin overrides the upgrader's origin policy.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// Handler upgrades front-end connections and gives each one its own
// channel bridge into the session manager.
type Handler struct {
	manager *session.Manager
	log     *logging.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(manager *session.Manager, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{manager: manager, log: log.Named("ws")}
}

// HandleConnection upgrades the request and runs the connection's
// bridge until the peer goes away.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, h.log)

	// The factory re-wires both bridge sides on every (re)connection:
	// the front side shovels frames to and from this WebSocket, the
	// host side is served by the session manager.
	br := bridge.New(func() (bridge.Endpoint, bridge.Endpoint, error) {
		clientSide, front := bridge.NewPair()
		hostSide, managerSide := bridge.NewPair()

		clientSide.SetOnMessage(client.Send)
		clientSide.Start()
		client.SetOnMessage(func(data []byte) {
			if err := clientSide.Post(data); err != nil {
				h.log.Debug("failed to forward client frame", zap.Error(err))
			}
		})

		h.manager.Attach(managerSide)
		return front, hostSide, nil
	}, h.log)

	client.SetOnClose(func() {
		h.log.Info("client disconnected")
		br.Cleanup()
	})

	client.Start()
	if err := br.Initialize(); err != nil {
		client.Close()
		return err
	}

	h.log.Info("client connected", zap.String("channel", br.ChannelID()))
	return nil
}
