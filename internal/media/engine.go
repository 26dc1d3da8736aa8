// Package media is the boundary to the media-relay engine. The rest of the
// server treats everything behind these interfaces as a black box: allocate a
// router, allocate transports, produce, consume, check codec compatibility.
package media

import "context"

// CodecCapability describes one codec a router or a client can handle.
type CodecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// RTPCapabilities is the capability descriptor exchanged with clients.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// Supports reports whether caps contain a codec with the given mime type.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

// RTPParameters describe one concrete media stream.
type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType"`
	SSRC        uint32 `json:"ssrc,omitempty"`
}

// DTLSFingerprint is one certificate fingerprint from the client's DTLS setup.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are the client-side parameters of the connect handshake.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// ICECandidate is one server-side candidate handed to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Protocol   string `json:"protocol"`
}

// TransportParams is everything a client needs to connect to a transport.
type TransportParams struct {
	ICEUfrag   string           `json:"iceUfrag"`
	ICEPwd     string           `json:"icePwd"`
	Candidates []ICECandidate   `json:"candidates"`
	DTLS       DTLSParameters   `json:"dtlsParameters"`
}

// Engine is the process-wide media worker. It is allocated once at startup,
// before the server accepts connections, and its death is fatal for the
// whole process: no room can function without it.
type Engine interface {
	// NewRouter allocates a per-room router.
	NewRouter(ctx context.Context) (Router, error)
	// OnDied registers a handler for unrecoverable worker failure.
	OnDied(fn func(error))
	Close() error
}

// Router is the per-room media hub.
type Router interface {
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	// CanConsume reports whether a subscriber with the given capabilities
	// can receive the given producer.
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
}

// Transport is one negotiated channel belonging to a single user.
type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, dtls DTLSParameters) error
	Produce(ctx context.Context, kind string, rtp RTPParameters) (Producer, error)
	// Consume creates a receiver for producerID. The consumer starts paused.
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	Close() error
}

// Producer is a published stream within a router.
type Producer interface {
	ID() string
	Kind() string
	Close() error
}

// Consumer is a subscription to one producer. Created paused; Resume starts
// the media flow once the subscriber has bound its playback sink.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RTPParameters() RTPParameters
	Resume() error
	Close() error
}
