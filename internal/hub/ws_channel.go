package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/events"
)

const writeWait = 5 * time.Second

// WSChannel represents one connected websocket session
type WSChannel struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{id: uuid.NewString(), conn: conn}
}

func (s *WSChannel) ID() string { return s.id }

func (s *WSChannel) Send(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

// Ping writes a websocket ping control frame.
func (s *WSChannel) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
