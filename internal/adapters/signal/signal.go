// Package signal is the WebSocket edge of the voice core: it demultiplexes
// inbound protocol events to the owning room and carries outbound events back
// to clients.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Options carry the transport knobs from config.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	Registry *app.Registry
	Limiter  *JoinRateLimiter
	Opts     Options
}

func NewSignalWSController(registry *app.Registry, opts Options) *SignalWSController {
	return &SignalWSController{
		Registry: registry,
		Limiter:  NewJoinRateLimiter(5, 10*time.Second),
		Opts:     opts,
	}
}

// wsSignalConn is one client socket. The send channel decouples the room
// loops from slow readers; TrySend reports backpressure instead of blocking.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan app.Frame

	mu     sync.RWMutex
	closed bool

	// Bound on a successful join. Only the read pump touches these.
	room   *app.Room
	userID domain.UserID
}

func (c *wsSignalConn) TrySend(f app.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and starts the pumps. Each socket gets a
// fresh session id: a transport-level reconnect does not replay join-room,
// that is the client's responsibility.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Opts.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan app.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, conn)
	}()
}
