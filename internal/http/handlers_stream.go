package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/service"
)

const (
	wsWriteWait      = 10 * time.Second
	wsReadLimitBytes = 4096
)

// StreamHandlers serve the result stream over server-sent events and websockets.
type StreamHandlers struct {
	Notifier *service.ResultNotifier
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
	// Done, when closed, ends every open stream (server shutdown).
	Done <-chan struct{}
}

// streamContext derives a context that also ends when h.Done closes.
func (h *StreamHandlers) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	if h.Done == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-h.Done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// sseSink writes result events in text/event-stream framing.
type sseSink struct {
	w  io.Writer
	rc *http.ResponseController
}

func (s *sseSink) Event(_ context.Context, ev model.ResultEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) Heartbeat(context.Context) error {
	if _, err := io.WriteString(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// SSE handles GET /api/stream. The stream runs until the client disconnects
// or Done closes.
func (h *StreamHandlers) SSE(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Long-lived response; lift the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger().WarnContext(r.Context(), "streaming unsupported by response writer", "error", err)
		return
	}

	ctx, cancel := h.streamContext(r)
	defer cancel()
	if err := h.Notifier.Stream(ctx, &sseSink{w: w, rc: rc}); err != nil {
		h.logger().DebugContext(ctx, "event stream ended", "error", err)
	}
}

// wsSink writes each result event as one JSON text message and heartbeats
// as ping control frames.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Event(_ context.Context, ev model.ResultEvent) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) Heartbeat(context.Context) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Websocket handles GET /api/stream/ws.
func (h *StreamHandlers) Websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger().DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := h.streamContext(r)
	defer cancel()

	// The read side only watches for the client closing the connection.
	conn.SetReadLimit(wsReadLimitBytes)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.Notifier.Stream(ctx, &wsSink{conn: conn})
	if err != nil {
		h.logger().DebugContext(ctx, "websocket stream ended", "error", err)
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait),
	)
}

func (h *StreamHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
