package telemetry

import (
	"math"
	"net/http"
	"time"

	"codeberg.org/mutker/balancectl/internal/logger"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 2 * time.Second

type wsDefinitions struct {
	Type    string       `json:"type"`
	Streams []Definition `json:"streams"`
}

type wsRecord struct {
	Type      string  `json:"type"`
	Stream    string  `json:"stream"`
	Timestamp float64 `json:"timestamp"`
	Values    []any   `json:"values"`
}

// WebSocketRelay mirrors every logged record to websocket observers as
// JSON. A definitions message is sent first, then one message per record.
type WebSocketRelay struct {
	server   *Server
	buffer   int
	log      logger.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketRelay(server *Server, buffer int, log logger.Logger) *WebSocketRelay {
	if log == nil {
		log = logger.Default()
	}

	return &WebSocketRelay{
		server: server,
		buffer: buffer,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

func (rl *WebSocketRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := rl.server.Subscribe(rl.buffer)
	defer sub.Close()

	schemas := rl.server.Streams()
	defs := wsDefinitions{Type: "definitions", Streams: make([]Definition, len(schemas))}
	for i, s := range schemas {
		defs.Streams[i] = s.Definition()
	}
	if err := rl.writeJSON(conn, defs); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					rl.log.Debug().Err(err).Msg("Websocket observer read failed")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.C:
			if !ok {
				rl.log.Warn().Str("remote", r.RemoteAddr).Msg("Websocket observer too slow, dropped")
				return
			}
			msg := wsRecord{
				Type:      "record",
				Stream:    ev.Schema.Name(),
				Timestamp: ev.Timestamp,
				Values:    jsonValues(ev.Values),
			}
			if err := rl.writeJSON(conn, msg); err != nil {
				return
			}
		}
	}
}

func (rl *WebSocketRelay) writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(v); err != nil {
		rl.log.Debug().Err(err).Msg("Websocket write failed")
		return err
	}

	return nil
}

// jsonValues replaces non-finite doubles, which JSON cannot carry, by null.
func jsonValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			continue
		}
		out[i] = v
	}

	return out
}
