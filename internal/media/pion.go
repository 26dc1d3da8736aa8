package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultCapabilities is what a router advertises to joining clients.
var defaultCapabilities = RTPCapabilities{
	Codecs: []CodecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	},
}

// PionEngine implements Engine on top of pion/webrtc. It is in-process, so
// the worker can only die with the process itself; the OnDied hook exists for
// callers that swap in an out-of-process engine.
type PionEngine struct {
	api *webrtc.API
	cfg webrtc.Configuration

	mu     sync.Mutex
	died   func(error)
	closed bool
	logger zerolog.Logger
}

// NewPionEngine builds the shared media worker. Must be called before the
// server accepts connections.
func NewPionEngine(stunURLs []string) (*PionEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &PionEngine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		cfg:    cfg,
		logger: log.With().Str("module", "media.engine").Logger(),
	}, nil
}

func (e *PionEngine) OnDied(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.died = fn
}

func (e *PionEngine) NewRouter(ctx context.Context) (Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed: %w", context.Canceled)
	}
	return &pionRouter{
		engine: e,
		caps:   defaultCapabilities,
		relays: make(map[string]*relay),
		logger: log.With().Str("module", "media.router").Logger(),
	}, nil
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type pionRouter struct {
	engine *PionEngine
	caps   RTPCapabilities

	mu     sync.RWMutex
	relays map[string]*relay // keyed by producer id
	closed bool
	logger zerolog.Logger
}

func (r *pionRouter) Capabilities() RTPCapabilities { return r.caps }

func (r *pionRouter) CreateTransport(ctx context.Context) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	pc, err := r.engine.api.NewPeerConnection(r.engine.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &pionTransport{
		id:     uuid.NewString(),
		router: r,
		pc:     pc,
		params: TransportParams{
			ICEUfrag: uuid.NewString()[:8],
			ICEPwd:   uuid.NewString(),
		},
		logger: r.logger,
	}
	// Remote tracks land here; hand each to the relay waiting for its kind.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.bindIncoming(track)
	})
	return t, nil
}

func (r *pionRouter) CanConsume(producerID string, caps RTPCapabilities) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.relays[producerID]
	if !ok {
		return false
	}
	return caps.Supports(rel.rtp.MimeType)
}

func (r *pionRouter) addRelay(rel *relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[rel.producerID] = rel
}

func (r *pionRouter) relayOf(producerID string) (*relay, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.relays[producerID]
	return rel, ok
}

func (r *pionRouter) removeRelay(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, producerID)
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, rel := range r.relays {
		rel.close()
		delete(r.relays, id)
	}
	return nil
}

// pionTransport wraps one PeerConnection.
type pionTransport struct {
	id     string
	router *pionRouter
	pc     *webrtc.PeerConnection
	params TransportParams

	mu      sync.Mutex
	pending []*relay // producers waiting for their remote track
	closed  bool
	logger  zerolog.Logger
}

func (t *pionTransport) ID() string              { return t.id }
func (t *pionTransport) Params() TransportParams { return t.params }

func (t *pionTransport) Connect(ctx context.Context, dtls DTLSParameters) error {
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("missing dtls fingerprints")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.params.DTLS = dtls
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, kind string, params RTPParameters) (Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	rel := newRelay(uuid.NewString(), kind, params)
	t.router.addRelay(rel)
	t.pending = append(t.pending, rel)
	t.logger.Info().Str("transport", t.id).Str("producer", rel.producerID).Str("kind", kind).Msg("producer allocated")
	return &pionProducer{relay: rel, router: t.router}, nil
}

// bindIncoming attaches a just-arrived remote track to the first relay
// waiting for its kind.
func (t *pionTransport) bindIncoming(track *webrtc.TrackRemote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, rel := range t.pending {
		if rel.kind == track.Kind().String() {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			rel.attach(context.Background(), track, t.logger)
			return
		}
	}
	t.logger.Warn().Str("transport", t.id).Str("kind", track.Kind().String()).Msg("remote track with no pending producer")
}

func (t *pionTransport) Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error) {
	rel, ok := t.router.relayOf(producerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	if !caps.Supports(rel.rtp.MimeType) {
		return nil, fmt.Errorf("incompatible capabilities for %s", rel.rtp.MimeType)
	}
	consumerID := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  rel.rtp.MimeType,
		ClockRate: rel.rtp.ClockRate,
		Channels:  rel.rtp.Channels,
	}, consumerID, producerID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	ot := newOutTrack(local) // starts paused
	rel.addOutTrack(consumerID, ot)
	return &pionConsumer{
		id:        consumerID,
		transport: t,
		relay:     rel,
		out:       ot,
		sender:    sender,
	}, nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

type pionProducer struct {
	relay  *relay
	router *pionRouter
}

func (p *pionProducer) ID() string   { return p.relay.producerID }
func (p *pionProducer) Kind() string { return p.relay.kind }

func (p *pionProducer) Close() error {
	p.router.removeRelay(p.relay.producerID)
	p.relay.close()
	return nil
}

type pionConsumer struct {
	id        string
	transport *pionTransport
	relay     *relay
	out       *outTrack
	sender    *webrtc.RTPSender
}

func (c *pionConsumer) ID() string                   { return c.id }
func (c *pionConsumer) ProducerID() string           { return c.relay.producerID }
func (c *pionConsumer) Kind() string                 { return c.relay.kind }
func (c *pionConsumer) RTPParameters() RTPParameters { return c.relay.rtp }

func (c *pionConsumer) Resume() error {
	c.out.markActive()
	return nil
}

func (c *pionConsumer) Close() error {
	c.relay.removeOutTrack(c.id)
	if err := c.transport.pc.RemoveTrack(c.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}
