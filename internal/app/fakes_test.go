package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/voicehub/internal/media"
)

// fakeConn records every frame a room sends to one connection.
type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make(Frame, len(f))
	copy(buf, f)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) count(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, e := range c.events(t) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// decodeLast finds the last event of the given type and decodes its data.
func decodeLast[T any](t *testing.T, c *fakeConn, typ string) T {
	t.Helper()
	var out T
	found := false
	for _, e := range c.events(t) {
		if e.Type == typ {
			if err := json.Unmarshal(e.Data, &out); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("no %s event", typ)
	}
	return out
}

var testCaps = media.RTPCapabilities{
	Codecs: []media.CodecCapability{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
}

var testDTLS = media.DTLSParameters{
	Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
}

var testRTP = media.RTPParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111}

// fakeEngine is an in-memory stand-in for the media worker.
type fakeEngine struct {
	mu      sync.Mutex
	routers int
	closed  bool
	died    func(error)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) NewRouter(ctx context.Context) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	e.routers++
	return &fakeRouter{
		engine:    e,
		producers: make(map[string]string),
	}, nil
}

func (e *fakeEngine) OnDied(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.died = fn
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeRouter struct {
	engine *fakeEngine

	mu         sync.Mutex
	transports int
	producers  map[string]string // producer id -> mime type
	closed     bool
}

func (r *fakeRouter) Capabilities() media.RTPCapabilities { return testCaps }

func (r *fakeRouter) CreateTransport(ctx context.Context) (media.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	r.transports++
	return &fakeTransport{
		router: r,
		id:     fmt.Sprintf("transport-%d", r.transports),
	}, nil
}

func (r *fakeRouter) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mime, ok := r.producers[producerID]
	if !ok {
		return false
	}
	return caps.Supports(mime)
}

func (r *fakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeTransport struct {
	router *fakeRouter
	id     string

	mu        sync.Mutex
	connected bool
	closed    bool
	produced  int
	consumed  int
}

func (t *fakeTransport) ID() string                    { return t.id }
func (t *fakeTransport) Params() media.TransportParams { return media.TransportParams{ICEUfrag: t.id} }

func (t *fakeTransport) Connect(ctx context.Context, dtls media.DTLSParameters) error {
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("missing fingerprints")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind string, rtp media.RTPParameters) (media.Producer, error) {
	t.mu.Lock()
	t.produced++
	id := fmt.Sprintf("%s-producer-%d", t.id, t.produced)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[id] = rtp.MimeType
	t.router.mu.Unlock()
	return &fakeProducer{router: t.router, id: id, kind: kind}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID string, caps media.RTPCapabilities) (media.Consumer, error) {
	t.router.mu.Lock()
	mime, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	t.mu.Lock()
	t.consumed++
	id := fmt.Sprintf("%s-consumer-%d", t.id, t.consumed)
	t.mu.Unlock()
	return &fakeConsumer{
		id:         id,
		producerID: producerID,
		rtp:        media.RTPParameters{MimeType: mime},
	}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	router *fakeRouter
	id     string
	kind   string

	mu     sync.Mutex
	closed bool
}

func (p *fakeProducer) ID() string   { return p.id }
func (p *fakeProducer) Kind() string { return p.kind }

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

type fakeConsumer struct {
	id         string
	producerID string
	rtp        media.RTPParameters

	mu      sync.Mutex
	resumed bool
	closed  bool
}

func (c *fakeConsumer) ID() string                         { return c.id }
func (c *fakeConsumer) ProducerID() string                 { return c.producerID }
func (c *fakeConsumer) Kind() string                       { return "audio" }
func (c *fakeConsumer) RTPParameters() media.RTPParameters { return c.rtp }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
