package rest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512

	clientBuffer = 64
)

// Subscriber is the queue's event bus.
type Subscriber interface {
	Subscribe(buffer int) (<-chan transfer.Event, func())
}

// Message is one websocket frame.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// EventStream pushes queue and caching events to websocket clients.
type EventStream struct {
	queue    Subscriber
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func NewEventStream(queue Subscriber) *EventStream {
	return &EventStream{
		queue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the API binds to loopback; the desktop UI is served from a custom scheme
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[chan []byte]struct{}),
	}
}

// PublishCaching forwards a caching monitor event. Slow clients miss it.
func (s *EventStream) PublishCaching(evt debrid.MonitorEvent) {
	data, err := encode("caching:"+string(evt.Type), evt)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c <- data:
		default:
		}
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed to upgrade websocket", "err", err)

		return
	}

	events, unsubscribe := s.queue.Subscribe(clientBuffer)
	defer unsubscribe()

	caching := make(chan []byte, clientBuffer)

	s.mu.Lock()
	s.clients[caching] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, caching)
		s.mu.Unlock()
	}()

	closed := make(chan struct{})
	go readPump(conn, closed)

	logger.Debug("event stream client connected", "remote_addr", r.RemoteAddr)

	s.writePump(conn, events, caching, closed)

	logger.Debug("event stream client disconnected", "remote_addr", r.RemoteAddr)
}

// readPump discards client frames and detects disconnects.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
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

func (s *EventStream) writePump(conn *websocket.Conn, events <-chan transfer.Event, caching <-chan []byte, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		var data []byte

		select {
		case <-closed:
			return
		case evt, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			encoded, err := encode("download:"+string(evt.Type), evt)
			if err != nil {
				continue
			}

			data = encoded
		case data = <-caching:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
