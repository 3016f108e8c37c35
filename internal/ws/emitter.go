package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// frame is the wire shape of every event in both directions.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// connEmitter serializes writes to a single websocket connection. gorilla
// connections allow one concurrent writer, and a turn's streaming goroutine
// races the read loop's error replies without this lock.
type connEmitter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newConnEmitter(conn *websocket.Conn) *connEmitter {
	return &connEmitter{conn: conn}
}

// Emit writes one event frame. Writes after the connection failed are dropped
// silently: the turn keeps running its persistence/rollback path regardless
// of whether anyone is listening.
func (e *connEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if err := e.conn.WriteJSON(frame{Event: event, Data: payload}); err != nil {
		e.closed = true
	}
}
