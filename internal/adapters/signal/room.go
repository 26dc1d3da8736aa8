package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/domain"
)

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(c, "bad payload")
		return
	}

	roomID, err := domain.ParseRoomID(p.RoomID)
	if err != nil {
		ctl.replyError(c, err)
		return
	}
	userID, err := domain.ParseUserID(p.UserID)
	if err != nil {
		ctl.replyError(c, err)
		return
	}

	if !ctl.Limiter.Allow(userID) {
		ctl.sendError(c, "join rate limited")
		return
	}

	room, err := ctl.Registry.GetOrCreate(ctx, roomID)
	if err != nil {
		ctl.replyError(c, err)
		return
	}

	// Join emits the capability descriptor and the existing-user replay to
	// this socket before the user enters the fan-out set.
	if _, err := room.Join(userID, sid, c); err != nil {
		ctl.replyError(c, err)
		return
	}

	c.room = room
	c.userID = userID
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(roomID)).Str("user", string(userID)).Msg("joined room")
}
