package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ping := ctl.Opts.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid domain.SessionID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		// Socket death drives the full resource unwind for this session.
		if c.room != nil {
			if err := c.room.Disconnect(c.userID, sid); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("disconnect cleanup")
			}
		}
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad payload")
		return
	}

	switch env.Type {
	case "join-room":
		ctl.handleJoinRoom(ctx, sid, c, env.Data)
	case "create-transport":
		ctl.handleCreateTransport(ctx, sid, c, env.Data)
	case "connect-transport":
		ctl.handleConnectTransport(ctx, sid, c, env.Data)
	case "produce":
		ctl.handleProduce(ctx, sid, c, env.Data)
	case "consume":
		ctl.handleConsume(ctx, sid, c, env.Data)
	case "consumer-resume":
		ctl.handleConsumerResume(sid, c, env.Data)
	case "close-producer":
		ctl.handleCloseProducer(sid, c, env.Data)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendEvent(c *wsSignalConn, typ string, data any) {
	frame, err := app.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", typ).Msg("encode event")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, msg string) {
	ctl.sendEvent(c, app.EventError, app.ErrorPayload{Message: msg})
}

// replyError maps a taxonomy error to the error event. State is already
// consistent when an operation fails; nothing here terminates the connection.
func (ctl *SignalWSController) replyError(c *wsSignalConn, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		ctl.sendError(c, "invalid identity")
	case errors.Is(err, domain.ErrResourceNotFound):
		ctl.sendError(c, "resource not found")
	case errors.Is(err, domain.ErrCapabilityMismatch):
		ctl.sendError(c, "capability mismatch")
	case errors.Is(err, domain.ErrEngineFailure):
		ctl.sendError(c, "media engine failure")
	case errors.Is(err, app.ErrRoomClosed):
		ctl.sendError(c, "room closed")
	default:
		ctl.sendError(c, "internal error")
	}
}

// boundRoom returns the room this socket joined, or answers with an error.
func (ctl *SignalWSController) boundRoom(c *wsSignalConn) (*app.Room, bool) {
	if c.room == nil {
		ctl.sendError(c, "not in a room")
		return nil, false
	}
	return c.room, true
}
