// Package domain contains identities and shared vocabulary, no logic beyond validation.
package domain

// MaxIDLen bounds caller-supplied room and user identifiers.
const MaxIDLen = 64

type (
	// RoomID is a caller-supplied opaque room identifier.
	RoomID string
	// UserID is the logical user identity, stable across reconnects.
	UserID string
	// SessionID identifies one live socket. A user rebinds to a new
	// SessionID on reconnect; the UserID stays.
	SessionID string

	// Engine-allocated resource ids.
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// ParseRoomID validates a caller-supplied room id.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" || len(raw) > MaxIDLen {
		return "", ErrInvalidIdentity
	}
	return RoomID(raw), nil
}

// ParseUserID validates a caller-supplied user id.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" || len(raw) > MaxIDLen {
		return "", ErrInvalidIdentity
	}
	return UserID(raw), nil
}

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// TransportDirection tells which way media flows over a transport.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)
