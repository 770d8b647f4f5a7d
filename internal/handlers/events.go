package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is local and token protected; there is no browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHandler streams command output to the migrator.
type EventsHandler struct {
	executor *services.ExecutorService
	log      zerolog.Logger
}

func NewEventsHandler(executor *services.ExecutorService, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{executor: executor, log: log}
}

// Stream upgrades to a websocket and forwards every command event as JSON.
// GET /api/events
func (h *EventsHandler) Stream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}
	defer func() { _ = ws.Close() }()

	events := h.executor.Subscribe()
	defer h.executor.Unsubscribe(events)

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
