package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		Sender bool `json:"sender"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	direction := domain.DirectionRecv
	if p.Sender {
		direction = domain.DirectionSend
	}
	if _, err := room.CreateTransport(ctx, c.userID, sid, direction); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("create transport")
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		TransportID    string               `json:"transportId"`
		DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	if err := room.ConnectTransport(ctx, c.userID, sid, domain.TransportID(p.TransportID), p.DTLSParameters); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("transport", p.TransportID).Msg("connect transport")
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		TransportID   string              `json:"transportId"`
		Kind          string              `json:"kind"`
		RTPParameters media.RTPParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	if _, err := room.Produce(ctx, c.userID, sid, domain.TransportID(p.TransportID), domain.MediaKind(p.Kind), p.RTPParameters); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("transport", p.TransportID).Msg("produce")
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		TransportID     string                `json:"transportId"`
		ProducerID      string                `json:"producerId"`
		RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	if _, err := room.Consume(ctx, c.userID, sid, domain.TransportID(p.TransportID), domain.ProducerID(p.ProducerID), p.RTPCapabilities); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("producer", p.ProducerID).Msg("consume")
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) handleConsumerResume(sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	if err := room.ResumeConsumer(c.userID, sid, domain.ConsumerID(p.ConsumerID)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("consumer", p.ConsumerID).Msg("consumer resume")
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) handleCloseProducer(sid domain.SessionID, c *wsSignalConn, data []byte) {
	var p struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad payload")
		return
	}
	room, ok := ctl.boundRoom(c)
	if !ok {
		return
	}
	if err := room.CloseProducer(c.userID, sid, domain.ProducerID(p.ProducerID)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("producer", p.ProducerID).Msg("close producer")
		ctl.replyError(c, err)
	}
}
