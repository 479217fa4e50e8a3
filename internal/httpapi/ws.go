package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// wsTopics is the set of bus topics every WebSocket client is subscribed
// to; spec.md §6.2 describes a single multiplexed stream rather than one
// socket per topic.
var wsTopics = []string{
	sartypes.TopicTelemetry,
	sartypes.TopicMissionUpdates,
	sartypes.TopicAIDecisions,
	sartypes.TopicAlerts,
	sartypes.TopicDetections,
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWebSocket upgrades the connection and streams every message
// published on wsTopics until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	subs := make([]*bus.Subscription, 0, len(wsTopics))
	for _, topic := range wsTopics {
		subs = append(subs, s.deps.Bus.Subscribe(topic, 0))
	}

	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}

	go s.wsReadLoop(conn, closeAll)
	s.wsWriteLoop(conn, subs, closeAll)
}

// wsReadLoop only exists to detect client-initiated close/errors and pongs;
// the server never expects inbound application messages on this socket.
func (s *Server) wsReadLoop(conn *websocket.Conn, closeAll func()) {
	defer closeAll()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, subs []*bus.Subscription, closeAll func()) {
	defer closeAll()
	defer conn.Close()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	out := make(chan wsEnvelope, 256)
	for _, sub := range subs {
		sub := sub
		go func() {
			for msg := range sub.C {
				select {
				case out <- wsEnvelope{Topic: msg.Topic, Payload: msg.Payload}:
				default:
				}
			}
		}()
	}

	for {
		select {
		case env := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
