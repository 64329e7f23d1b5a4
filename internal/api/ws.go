package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Broadcaster fans live updates out to every connected websocket. A nil
// *Broadcaster drops everything.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[*websocket.Conn]struct{})}
}

func (b *Broadcaster) Add(conn *websocket.Conn) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
}

func (b *Broadcaster) Remove(conn *websocket.Conn) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

func (b *Broadcaster) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Publish encodes v as JSON and broadcasts it.
func (b *Broadcaster) Publish(ctx context.Context, v any) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.Broadcast(ctx, payload)
}

// Broadcast writes payload to every connection. Connections that fail the
// write are dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) {
	if b == nil {
		return
	}
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			b.Remove(conn)
			_ = conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}
