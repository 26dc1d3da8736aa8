package app

import (
	"context"
	"fmt"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

// CreateTransport allocates a transport from the room's router and registers
// it under the requesting user. The connection parameters go back to the
// requester only.
func (r *Room) CreateTransport(ctx context.Context, userID domain.UserID, sid domain.SessionID, direction domain.TransportDirection) (id domain.TransportID, err error) {
	execErr := r.exec(func() { id, err = r.createTransport(ctx, userID, sid, direction) })
	if execErr != nil {
		return "", execErr
	}
	return id, err
}

func (r *Room) createTransport(ctx context.Context, userID domain.UserID, sid domain.SessionID, direction domain.TransportDirection) (domain.TransportID, error) {
	u, err := r.member(userID, sid)
	if err != nil {
		return "", err
	}
	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	te := &transportEntry{
		id:        domain.TransportID(t.ID()),
		t:         t,
		direction: direction,
		phase:     transportCreated,
	}
	u.transports[te.id] = te
	r.emitTo(u, EventTransportCreated, TransportCreatedPayload{
		ID:     te.id,
		Params: t.Params(),
		Sender: direction == domain.DirectionSend,
	})
	r.logger.Info().Str("user", string(userID)).Str("transport", string(te.id)).Str("direction", string(direction)).Msg("transport created")
	return te.id, nil
}

// ConnectTransport completes the handshake for a transport the user owns.
func (r *Room) ConnectTransport(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, dtls media.DTLSParameters) error {
	var err error
	execErr := r.exec(func() { err = r.connectTransport(ctx, userID, sid, transportID, dtls) })
	if execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) connectTransport(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, dtls media.DTLSParameters) error {
	u, err := r.member(userID, sid)
	if err != nil {
		return err
	}
	te, ok := u.transports[transportID]
	if !ok || te.phase == transportClosed {
		return domain.ErrResourceNotFound
	}
	te.phase = transportConnecting
	if err := te.t.Connect(ctx, dtls); err != nil {
		te.phase = transportCreated
		return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	te.phase = transportConnected
	r.emitTo(u, EventTransportConnected, TransportConnectedPayload{TransportID: transportID})
	r.logger.Info().Str("user", string(userID)).Str("transport", string(transportID)).Msg("transport connected")
	return nil
}

// CloseTransport closes a transport and everything riding it. Idempotent.
func (r *Room) CloseTransport(userID domain.UserID, sid domain.SessionID, transportID domain.TransportID) error {
	var err error
	execErr := r.exec(func() { err = r.closeTransport(userID, sid, transportID) })
	if execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) closeTransport(userID domain.UserID, sid domain.SessionID, transportID domain.TransportID) error {
	u, err := r.member(userID, sid)
	if err != nil {
		return err
	}
	te, ok := u.transports[transportID]
	if !ok {
		return domain.ErrResourceNotFound
	}
	// Closing an already-closed transport is a no-op.
	r.closeTransportEntry(u, te, true)
	return nil
}

// closeTransportEntry cascades: consumers riding the transport, then
// producers (whose own cascade reaches dependent consumers on other
// transports), then the engine transport itself.
func (r *Room) closeTransportEntry(u *userSession, te *transportEntry, notify bool) {
	if te.phase == transportClosed {
		return
	}
	te.phase = transportClosed
	for _, ce := range u.consumers {
		if ce.transportID == te.id {
			r.closeConsumerEntry(u, ce, notify)
		}
	}
	for _, pe := range u.producers {
		if pe.transportID == te.id {
			r.closeProducerEntry(u, pe, notify)
		}
	}
	if err := te.t.Close(); err != nil {
		r.logger.Error().Err(err).Str("transport", string(te.id)).Msg("transport close")
	}
}

// Produce publishes a stream on a connected send transport. The owner gets
// producer-created; every other current member gets new-producer exactly
// once. Users joining later learn of it via the join-time replay instead.
func (r *Room) Produce(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, kind domain.MediaKind, rtp media.RTPParameters) (id domain.ProducerID, err error) {
	execErr := r.exec(func() { id, err = r.produce(ctx, userID, sid, transportID, kind, rtp) })
	if execErr != nil {
		return "", execErr
	}
	return id, err
}

func (r *Room) produce(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, kind domain.MediaKind, rtp media.RTPParameters) (domain.ProducerID, error) {
	u, err := r.member(userID, sid)
	if err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", domain.ErrInvalidIdentity
	}
	te, ok := u.transports[transportID]
	if !ok || te.phase != transportConnected {
		return "", domain.ErrResourceNotFound
	}
	p, err := te.t.Produce(ctx, string(kind), rtp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	pe := &producerEntry{
		id:          domain.ProducerID(p.ID()),
		p:           p,
		transportID: transportID,
		kind:        kind,
	}
	u.producers[pe.id] = pe
	r.producers[pe.id] = producerRecord{owner: userID, kind: kind}
	r.emitTo(u, EventProducerCreated, ProducerCreatedPayload{ID: pe.id})
	r.broadcast(userID, EventNewProducer, NewProducerPayload{
		ProducerID:     pe.id,
		ProducerUserID: userID,
		Kind:           kind,
	})
	r.logger.Info().Str("user", string(userID)).Str("producer", string(pe.id)).Str("kind", string(kind)).Msg("producer created")
	return pe.id, nil
}

// CloseProducer closes a producer the user owns. Explicit counterpart of the
// cascaded closes; both paths broadcast producer-closed exactly once.
func (r *Room) CloseProducer(userID domain.UserID, sid domain.SessionID, producerID domain.ProducerID) error {
	var err error
	execErr := r.exec(func() { err = r.closeProducer(userID, sid, producerID) })
	if execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) closeProducer(userID domain.UserID, sid domain.SessionID, producerID domain.ProducerID) error {
	u, err := r.member(userID, sid)
	if err != nil {
		return err
	}
	pe, ok := u.producers[producerID]
	if !ok {
		return domain.ErrResourceNotFound
	}
	r.closeProducerEntry(u, pe, true)
	return nil
}

// closeProducerEntry closes dependent consumers before the producer itself,
// so no consumer ever holds a dangling producer reference. The closed
// broadcast fires once no matter where the close came from.
func (r *Room) closeProducerEntry(owner *userSession, pe *producerEntry, notify bool) {
	if pe.closed {
		return
	}
	pe.closed = true
	for _, other := range r.users {
		for _, ce := range other.consumers {
			if ce.producerID == pe.id {
				r.closeConsumerEntry(other, ce, notify)
			}
		}
	}
	if err := pe.p.Close(); err != nil {
		r.logger.Error().Err(err).Str("producer", string(pe.id)).Msg("producer close")
	}
	delete(owner.producers, pe.id)
	delete(r.producers, pe.id)
	if notify {
		r.broadcast(owner.id, EventProducerClosed, ProducerClosedPayload{
			ProducerID:     pe.id,
			ProducerUserID: owner.id,
		})
	}
	r.logger.Info().Str("user", string(owner.id)).Str("producer", string(pe.id)).Msg("producer closed")
}

// Consume subscribes the user to a producer, gated by the engine's
// capability check. The consumer starts paused so the subscriber can bind
// its playback sink before media flows.
func (r *Room) Consume(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, producerID domain.ProducerID, caps media.RTPCapabilities) (id domain.ConsumerID, err error) {
	execErr := r.exec(func() { id, err = r.consume(ctx, userID, sid, transportID, producerID, caps) })
	if execErr != nil {
		return "", execErr
	}
	return id, err
}

func (r *Room) consume(ctx context.Context, userID domain.UserID, sid domain.SessionID, transportID domain.TransportID, producerID domain.ProducerID, caps media.RTPCapabilities) (domain.ConsumerID, error) {
	u, err := r.member(userID, sid)
	if err != nil {
		return "", err
	}
	te, ok := u.transports[transportID]
	if !ok || te.phase != transportConnected {
		return "", domain.ErrResourceNotFound
	}
	rec, ok := r.producers[producerID]
	if !ok {
		return "", domain.ErrResourceNotFound
	}
	if !r.router.CanConsume(string(producerID), caps) {
		return "", domain.ErrCapabilityMismatch
	}
	c, err := te.t.Consume(ctx, string(producerID), caps)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	ce := &consumerEntry{
		id:             domain.ConsumerID(c.ID()),
		c:              c,
		transportID:    transportID,
		producerID:     producerID,
		producerUserID: rec.owner,
		phase:          consumerPaused,
	}
	u.consumers[ce.id] = ce
	r.emitTo(u, EventConsumerCreated, ConsumerCreatedPayload{
		ID:             ce.id,
		ProducerID:     producerID,
		Kind:           rec.kind,
		RTPParameters:  c.RTPParameters(),
		ProducerUserID: rec.owner,
	})
	r.logger.Info().Str("user", string(userID)).Str("consumer", string(ce.id)).Str("producer", string(producerID)).Msg("consumer created")
	return ce.id, nil
}

// ResumeConsumer activates a paused consumer.
func (r *Room) ResumeConsumer(userID domain.UserID, sid domain.SessionID, consumerID domain.ConsumerID) error {
	var err error
	execErr := r.exec(func() { err = r.resumeConsumer(userID, sid, consumerID) })
	if execErr != nil {
		return execErr
	}
	return err
}

func (r *Room) resumeConsumer(userID domain.UserID, sid domain.SessionID, consumerID domain.ConsumerID) error {
	u, err := r.member(userID, sid)
	if err != nil {
		return err
	}
	ce, ok := u.consumers[consumerID]
	if !ok || ce.phase != consumerPaused {
		return domain.ErrResourceNotFound
	}
	if err := ce.c.Resume(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	ce.phase = consumerActive
	r.emitTo(u, EventConsumerResumed, ConsumerResumedPayload{ConsumerID: consumerID})
	r.logger.Info().Str("user", string(userID)).Str("consumer", string(consumerID)).Msg("consumer resumed")
	return nil
}

func (r *Room) closeConsumerEntry(u *userSession, ce *consumerEntry, notify bool) {
	if ce.phase == consumerClosed {
		return
	}
	ce.phase = consumerClosed
	if err := ce.c.Close(); err != nil {
		r.logger.Error().Err(err).Str("consumer", string(ce.id)).Msg("consumer close")
	}
	delete(u.consumers, ce.id)
	if notify {
		// Enough identity for the subscriber to tear down the right sink.
		r.emitTo(u, EventConsumerClosed, ConsumerClosedPayload{
			ConsumerID: ce.id,
			ProducerID: ce.producerID,
		})
	}
}
