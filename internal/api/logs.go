package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seclab/seclab/internal/ledger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pingInterval spaces SSE keep-alive comments.
var pingInterval = 15 * time.Second

const eventBuffer = 256

// handleLogs streams log lines: as WebSocket text messages when the client
// upgrades, otherwise as a chunked text/plain body.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeError(w, http.StatusNotFound, "log streaming disabled")
		return
	}
	ch := s.opts.Logs.Subscribe()
	defer s.opts.Logs.Unsubscribe(ch)

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWS(w, r, ch, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// handleEvents streams ledger events as JSON: WebSocket messages when the
// client upgrades, otherwise Server-Sent Events opening with a hello event.
// A client too slow to drain its buffer misses events.
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch := make(chan []byte, eventBuffer)
	unsubscribe := s.opts.Ledger.Subscribe(func(ev ledger.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case ch <- b:
		default:
			slog.Debug("Dropping event for slow subscriber", slog.String("type", string(ev.Type)))
		}
	})
	defer unsubscribe()

	hello := []byte(`{"type":"hello"}`)
	if websocket.IsWebSocketUpgrade(r) {
		s.streamWS(w, r, ch, hello)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if !writeSSE(w, flusher, hello) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-ch:
			if !writeSSE(w, flusher, msg) {
				return
			}
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, data []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	f.Flush()
	return true
}

// streamWS upgrades the connection and relays ch as text messages until the
// client goes away or the server closes. first, if set, is sent before ch.
func (s *APIServer) streamWS(w http.ResponseWriter, r *http.Request, ch <-chan []byte, first []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	_ = conn.NetConn().SetDeadline(time.Time{})

	// The read side only watches for the client closing.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, msg) == nil
	}
	if first != nil && !write(first) {
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok || !write(msg) {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}
