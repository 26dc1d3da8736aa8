package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// rtpSource is the read side of a producer's track.
// *webrtc.TrackRemote satisfies it.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// rtpSink is the write side of a subscriber's track.
// *webrtc.TrackLocalStaticRTP satisfies it.
type rtpSink interface {
	WriteRTP(*rtp.Packet) error
}

type trackState int32

const (
	// Consumers start paused; no packet is forwarded until resume.
	trackStatePaused trackState = iota
	trackStateActive
	trackStateDelete
)

// outTrack is a single outgoing leg of a relay, one per consumer.
type outTrack struct {
	sink  rtpSink
	state atomic.Int32 // zero value is trackStatePaused
}

func newOutTrack(sink rtpSink) *outTrack {
	return &outTrack{sink: sink}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markActive()          { ot.state.Store(int32(trackStateActive)) }
func (ot *outTrack) markPaused()          { ot.state.Store(int32(trackStatePaused)) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackStateDelete)) }

// relay forwards RTP from one producer source to all of its consumers.
type relay struct {
	producerID string
	kind       string
	rtp        RTPParameters

	mu   sync.RWMutex
	out  map[string]*outTrack // keyed by consumer id
	src  rtpSource
	live bool

	cancel context.CancelFunc
}

func newRelay(producerID, kind string, params RTPParameters) *relay {
	return &relay{
		producerID: producerID,
		kind:       kind,
		rtp:        params,
		out:        make(map[string]*outTrack),
	}
}

// attach binds the source track and starts the forwarding loop.
func (r *relay) attach(ctx context.Context, src rtpSource, logger zerolog.Logger) {
	r.mu.Lock()
	if r.live {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.src = src
	r.live = true
	r.cancel = cancel
	r.mu.Unlock()

	go r.loop(ctx, logger)
}

func (r *relay) loop(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("producer", r.producerID).Msg("relay ctx done")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Str("producer", r.producerID).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*outTrack, len(r.out))
	maps.Copy(snapshot, r.out)
	r.mu.RUnlock()

	var dirty []string
	for consumerID, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, consumerID)
		case trackStatePaused:
		case trackStateActive:
			if err := ot.sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", consumerID).Msg("relay write error, dropping out track")
				ot.markDelete()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup happens outside the read lock.
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.out, id)
		}
		r.mu.Unlock()
	}
}

func (r *relay) addOutTrack(consumerID string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.out[consumerID]; ok {
		ot.markDelete()
		delete(r.out, consumerID)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.out {
		ot.markDelete()
	}
}

func (r *relay) close() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.markAllDelete()
}
