package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// FeedMessage is one frame of the result feed.
type FeedMessage struct {
	Type    string                `json:"type"` // "result"
	Payload *ballot.ResultMessage `json:"payload,omitempty"`
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.cfg.CORSOrigin == "*" || origin == s.cfg.CORSOrigin
}

// resultsWebSocketHandler streams every stored terminal record to the client
// until it disconnects.
func (s *Server) resultsWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Result feed is not configured")
		return
	}
	up := upgrader
	up.CheckOrigin = s.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()
	slog.Info("Result feed connected", "remote_addr", r.RemoteAddr)

	feed, cancel := s.hub.Subscribe()
	defer cancel()

	// The reader only watches for close frames and pongs.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("Result feed read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			slog.Info("Result feed disconnected", "remote_addr", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(FeedMessage{Type: "result", Payload: &msg})
			if err != nil {
				slog.Error("Failed to encode result feed message", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			websocketMessagesTotal.Inc()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
