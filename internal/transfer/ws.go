package transfer

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSTransport delivers chunk messages over WebSocket connections, one
// connection per destination node, dialed lazily and reused.
type WSTransport struct {
	mu    sync.Mutex
	urls  map[string]string
	conns map[string]*websocket.Conn
}

// NewWSTransport creates a WebSocket transport. urls maps node IDs to
// ws:// endpoints.
func NewWSTransport(urls map[string]string) *WSTransport {
	return &WSTransport{
		urls:  urls,
		conns: make(map[string]*websocket.Conn),
	}
}

// SetNodeURL registers or updates the endpoint for a node.
func (t *WSTransport) SetNodeURL(nodeID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls[nodeID] = url
	if conn, ok := t.conns[nodeID]; ok {
		conn.Close()
		delete(t.conns, nodeID)
	}
}

// SendChunk writes the message as JSON and waits for the JSON ack.
// Connections are serialized per transport; the engine already bounds
// concurrency at the session level.
func (t *WSTransport) SendChunk(ctx context.Context, destNodeID string, msg *ChunkMessage) (*Ack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.conn(ctx, destNodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(msg); err != nil {
		t.drop(destNodeID)
		return nil, fmt.Errorf("%w: write failed: %v", ErrTransport, err)
	}

	var ack Ack
	if err := conn.ReadJSON(&ack); err != nil {
		t.drop(destNodeID)
		return nil, fmt.Errorf("%w: ack read failed: %v", ErrTransport, err)
	}
	return &ack, nil
}

func (t *WSTransport) conn(ctx context.Context, nodeID string) (*websocket.Conn, error) {
	if conn, ok := t.conns[nodeID]; ok {
		return conn, nil
	}
	url, ok := t.urls[nodeID]
	if !ok {
		return nil, fmt.Errorf("no endpoint for node %s", nodeID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	t.conns[nodeID] = conn
	return conn, nil
}

func (t *WSTransport) drop(nodeID string) {
	if conn, ok := t.conns[nodeID]; ok {
		conn.Close()
		delete(t.conns, nodeID)
	}
}

// Close closes all open connections.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	return nil
}

// WSReceiver is the node-side WebSocket endpoint feeding received chunks
// into a ChunkHandler.
type WSReceiver struct {
	handler  ChunkHandler
	upgrader websocket.Upgrader
}

// NewWSReceiver creates a receiver delivering to handler.
func NewWSReceiver(handler ChunkHandler) *WSReceiver {
	return &WSReceiver{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  DefaultChunkSize,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and processes chunk messages until
// the peer disconnects.
func (r *WSReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var msg ChunkMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		ack := r.handler(&msg)
		if ack == nil {
			ack = &Ack{Status: AckSuccess}
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}
