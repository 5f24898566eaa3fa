package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"progresskit/core"
	"progresskit/realtime"

	gorillaws "github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Options tune the stream handler.
type Options struct {
	// Buffer is the per-connection event queue size.
	Buffer int
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Handler returns an http.Handler that upgrades to WebSocket and streams events from the hub.
// Query parameters narrow the stream: user=<id>, types=a,b and celebrations=true.
func Handler(hub *realtime.Hub, opts Options) http.Handler {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	upgrader := gorillaws.Upgrader{CheckOrigin: opts.CheckOrigin}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := FilterFromQuery(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(opts.Buffer, filter)
		defer hub.Unsubscribe(id)
		opts.Logger.Debug("websocket client connected", "remote", r.RemoteAddr, "user", filter.UserID)

		closed := make(chan struct{})
		go readPump(conn, closed)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	})
}

// readPump consumes control frames so pongs and close messages are handled.
func readPump(conn *gorillaws.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// FilterFromQuery builds a hub filter from request query parameters.
func FilterFromQuery(r *http.Request) realtime.Filter {
	q := r.URL.Query()
	f := realtime.Filter{UserID: core.UserID(strings.ToLower(strings.TrimSpace(q.Get("user"))))}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, core.EventType(t))
			}
		}
	}
	switch strings.ToLower(q.Get("celebrations")) {
	case "1", "true", "yes":
		f.CelebrationsOnly = true
	}
	return f
}
