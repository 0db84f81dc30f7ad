package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/microservices/kitchen/service"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// Station screens are served from other origins on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the frame pushed to feed clients.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

const EventSnapshot = "snapshot"

// FeedHandler streams display snapshots over a websocket.
type FeedHandler struct {
	svc service.DisplayServiceInterface
	log *logger.Logger
}

func NewFeedHandler(svc service.DisplayServiceInterface, log *logger.Logger) *FeedHandler {
	return &FeedHandler{svc: svc, log: log}
}

func (h *FeedHandler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("ws_upgrade_failed", err, nil)
		return
	}
	defer conn.Close()

	feed, unsub := h.svc.Subscribe()
	defer unsub()

	// The client only ever closes; reading detects that.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		h.log.Error("ws_initial_snapshot_failed", err, nil)
		return
	}
	if !h.write(conn, snap) {
		return
	}
	h.log.Debug("ws_client_connected", map[string]any{"remote": c.Request.RemoteAddr})
	for {
		select {
		case <-closed:
			h.log.Debug("ws_client_gone", map[string]any{"remote": c.Request.RemoteAddr})
			return
		case snap := <-feed:
			if !h.write(conn, snap) {
				return
			}
		}
	}
}

func (h *FeedHandler) write(conn *websocket.Conn, snap service.Snapshot) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Message{Event: EventSnapshot, Payload: snap}); err != nil {
		h.log.Warn("ws_write_failed", map[string]any{"error": err.Error()})
		return false
	}
	return true
}
