package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// Conn carries a Mirror over a live WebSocket. Losing the socket drops the
// server-side session; after a reconnect the caller must re-issue Join —
// nothing is replayed automatically.
type Conn struct {
	conn     *websocket.Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

// Dial connects to the signaling endpoint.
func Dial(ctx context.Context, serverURL string) (*Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Conn{
		conn:     ws,
		outgoing: make(chan []byte, 32),
		done:     make(chan struct{}),
	}
	go c.writePump()
	return c, nil
}

// Emit implements Emitter with the same envelope the server speaks.
func (c *Conn) Emit(typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: typ, Data: raw})
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// Run feeds inbound frames to the mirror until the socket dies.
func (c *Conn) Run(m *Mirror) error {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.HandleMessage(data)
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outgoing:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "client.conn").Msg("set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "client.conn").Msg("write")
				return
			}
		}
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
