package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nubi-sh/nubi/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to the operator's network; origin enforcement belongs to
	// whatever fronts it.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsSink adapts one websocket connection to the telemetry Sink. The mutex
// covers concurrent writes from the fanout goroutine and the command loop.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ev telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(ev)
}

// wsCommand is what clients send.
type wsCommand struct {
	Command string `json:"command"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	unsubscribe := s.fanout.Subscribe(sink)
	defer unsubscribe()

	// Seed the client with current state before the first tick.
	if err := sink.Send(s.fanout.HandleCommand(r.Context(), "get_status")); err != nil {
		return
	}

	// Commands are operator actions, not a data channel.
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			reply := telemetry.Event{
				Type:      telemetry.EventError,
				Payload:   map[string]string{"message": "command rate limit exceeded"},
				Timestamp: time.Now(),
			}
			if err := sink.Send(reply); err != nil {
				return
			}
			continue
		}
		if err := sink.Send(s.fanout.HandleCommand(r.Context(), cmd.Command)); err != nil {
			return
		}
	}
}
