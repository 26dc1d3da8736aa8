package app

import (
	"encoding/json"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

// Frame is a raw signaling payload.
type Frame []byte

// SignalConn is the outbound edge to one client connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// Outbound event types.
const (
	EventRouterCapabilities = "router-rtpCapabilities"
	EventExistingUsers      = "existing-users"
	EventUserJoined         = "user-joined"
	EventUserLeft           = "user-left"
	EventTransportCreated   = "transport-created"
	EventTransportConnected = "transport-connected"
	EventProducerCreated    = "producer-created"
	EventNewProducer        = "new-producer"
	EventProducerClosed     = "producer-closed"
	EventConsumerCreated    = "consumer-created"
	EventConsumerResumed    = "consumer-resumed"
	EventConsumerClosed     = "consumer-closed"
	EventError              = "error"
)

// Envelope wraps every outbound event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RouterCapabilitiesPayload struct {
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type ExistingProducer struct {
	ID   domain.ProducerID `json:"id"`
	Kind domain.MediaKind  `json:"kind"`
}

type ExistingUser struct {
	ID        domain.UserID      `json:"id"`
	Producers []ExistingProducer `json:"producers"`
}

type ExistingUsersPayload struct {
	Users []ExistingUser `json:"users"`
}

type UserJoinedPayload struct {
	UserID domain.UserID `json:"userId"`
}

type UserLeftPayload struct {
	UserID domain.UserID `json:"userId"`
}

type TransportCreatedPayload struct {
	ID     domain.TransportID    `json:"id"`
	Params media.TransportParams `json:"params"`
	Sender bool                  `json:"sender"`
}

type TransportConnectedPayload struct {
	TransportID domain.TransportID `json:"transportId"`
}

type ProducerCreatedPayload struct {
	ID domain.ProducerID `json:"id"`
}

type NewProducerPayload struct {
	ProducerID     domain.ProducerID `json:"producerId"`
	ProducerUserID domain.UserID     `json:"producerUserId"`
	Kind           domain.MediaKind  `json:"kind"`
}

type ProducerClosedPayload struct {
	ProducerID     domain.ProducerID `json:"producerId"`
	ProducerUserID domain.UserID     `json:"producerUserId"`
}

type ConsumerCreatedPayload struct {
	ID             domain.ConsumerID   `json:"id"`
	ProducerID     domain.ProducerID   `json:"producerId"`
	Kind           domain.MediaKind    `json:"kind"`
	RTPParameters  media.RTPParameters `json:"rtpParameters"`
	ProducerUserID domain.UserID       `json:"producerUserId"`
}

type ConsumerResumedPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type ConsumerClosedPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeEvent builds the wire frame for one event.
func EncodeEvent(typ string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(Envelope{Type: typ, Data: raw})
	if err != nil {
		return nil, err
	}
	return frame, nil
}
