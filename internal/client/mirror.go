// Package client reconstructs a consistent room view on the peer side from
// an unordered stream of signaling events, independent of server internals.
package client

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/media"
)

// Emitter sends a signaling event to the server.
type Emitter interface {
	Emit(typ string, data any) error
}

// Device is the local media stack behind the mirror: it supplies the
// client's receive capabilities and the DTLS side of transport connect.
type Device interface {
	RTPCapabilities() media.RTPCapabilities
	DTLSParameters() media.DTLSParameters
}

// RemotePeer is one other user in the room as the client sees it.
type RemotePeer struct {
	ID       string
	HasAudio bool
}

// Callbacks is the UI surface. All callbacks run outside the mirror's lock.
type Callbacks struct {
	OnRemotePeerJoined       func(id string)
	OnRemotePeerLeft         func(id string)
	OnRemotePeerAudio        func(id, consumerID string)
	OnRemotePeerAudioEnded   func(id string)
	OnLocalAudioStateChanged func(on bool)
	OnError                  func(msg string)
}

type consumerRef struct {
	peerID     string
	producerID string
}

type pendingConsume struct {
	peerID     string
	producerID string
}

// Mirror maintains the peer map and drives the consume/resume flow. Events
// may arrive in any order relative to local actions; getOrCreatePeer keeps a
// new-producer arriving before its user-joined from forking the peer record.
type Mirror struct {
	self   string
	emit   Emitter
	device Device
	cb     Callbacks
	logger zerolog.Logger

	mu            sync.Mutex
	peers         map[string]*RemotePeer
	consumers     map[string]consumerRef
	pending       []pendingConsume
	recvTransport string
	recvReady     bool
	sendTransport string
	localRTP      media.RTPParameters
	wantPublish   bool
	localProducer string
}

func NewMirror(selfID string, emit Emitter, device Device, cb Callbacks) *Mirror {
	return &Mirror{
		self:      selfID,
		emit:      emit,
		device:    device,
		cb:        cb,
		logger:    log.With().Str("module", "client.mirror").Str("self", selfID).Logger(),
		peers:     make(map[string]*RemotePeer),
		consumers: make(map[string]consumerRef),
	}
}

// Join starts the session. The server answers with the capability
// descriptor and the existing-user replay.
func (m *Mirror) Join(roomID string) error {
	return m.emit.Emit("join-room", map[string]string{"roomId": roomID, "userId": m.self})
}

// PublishAudio starts the local produce flow: send transport, connect,
// produce. OnLocalAudioStateChanged(true) fires once the producer exists.
func (m *Mirror) PublishAudio(rtp media.RTPParameters) error {
	m.mu.Lock()
	m.localRTP = rtp
	m.wantPublish = true
	ready := m.sendTransport
	m.mu.Unlock()
	if ready != "" {
		return m.emit.Emit("produce", map[string]any{
			"transportId":   ready,
			"kind":          "audio",
			"rtpParameters": rtp,
		})
	}
	return m.emit.Emit("create-transport", map[string]bool{"sender": true})
}

// StopAudio is the track-end path: close the producer and flip local state.
func (m *Mirror) StopAudio() error {
	m.mu.Lock()
	producerID := m.localProducer
	m.localProducer = ""
	m.wantPublish = false
	m.mu.Unlock()
	if producerID == "" {
		return nil
	}
	if err := m.emit.Emit("close-producer", map[string]string{"producerId": producerID}); err != nil {
		return err
	}
	if m.cb.OnLocalAudioStateChanged != nil {
		m.cb.OnLocalAudioStateChanged(false)
	}
	return nil
}

// Peers returns a snapshot for UI rendering.
func (m *Mirror) Peers() []RemotePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemotePeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// HandleMessage consumes one inbound frame.
func (m *Mirror) HandleMessage(data []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Error().Err(err).Msg("bad frame")
		return
	}

	switch env.Type {
	case app.EventRouterCapabilities:
		m.onRouterCapabilities()
	case app.EventExistingUsers:
		m.onExistingUsers(env.Data)
	case app.EventUserJoined:
		m.onUserJoined(env.Data)
	case app.EventUserLeft:
		m.onUserLeft(env.Data)
	case app.EventTransportCreated:
		m.onTransportCreated(env.Data)
	case app.EventTransportConnected:
		m.onTransportConnected(env.Data)
	case app.EventNewProducer:
		m.onNewProducer(env.Data)
	case app.EventProducerCreated:
		m.onProducerCreated(env.Data)
	case app.EventProducerClosed:
		m.onProducerClosed(env.Data)
	case app.EventConsumerCreated:
		m.onConsumerCreated(env.Data)
	case app.EventConsumerResumed:
		m.onConsumerResumed(env.Data)
	case app.EventConsumerClosed:
		m.onConsumerClosed(env.Data)
	case app.EventError:
		m.onError(env.Data)
	}
}

// getOrCreatePeer is idempotent: a new-producer arriving before user-joined
// (or vice versa) never creates two records for the same id. Returns whether
// the peer is new.
func (m *Mirror) getOrCreatePeer(id string) (*RemotePeer, bool) {
	if p, ok := m.peers[id]; ok {
		return p, false
	}
	p := &RemotePeer{ID: id}
	m.peers[id] = p
	return p, true
}

func (m *Mirror) onRouterCapabilities() {
	// Bootstrap the receive path before any producer can need it.
	if err := m.emit.Emit("create-transport", map[string]bool{"sender": false}); err != nil {
		m.logger.Error().Err(err).Msg("create recv transport")
	}
}

func (m *Mirror) onExistingUsers(data []byte) {
	var p app.ExistingUsersPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	var joined []string
	m.mu.Lock()
	for _, u := range p.Users {
		_, isNew := m.getOrCreatePeer(string(u.ID))
		if isNew {
			joined = append(joined, string(u.ID))
		}
		for _, prod := range u.Producers {
			m.requestConsume(string(u.ID), string(prod.ID))
		}
	}
	m.mu.Unlock()
	for _, id := range joined {
		if m.cb.OnRemotePeerJoined != nil {
			m.cb.OnRemotePeerJoined(id)
		}
	}
}

func (m *Mirror) onUserJoined(data []byte) {
	var p app.UserJoinedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	_, isNew := m.getOrCreatePeer(string(p.UserID))
	m.mu.Unlock()
	if isNew && m.cb.OnRemotePeerJoined != nil {
		m.cb.OnRemotePeerJoined(string(p.UserID))
	}
}

func (m *Mirror) onUserLeft(data []byte) {
	var p app.UserLeftPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	_, existed := m.peers[string(p.UserID)]
	delete(m.peers, string(p.UserID))
	m.mu.Unlock()
	if existed && m.cb.OnRemotePeerLeft != nil {
		m.cb.OnRemotePeerLeft(string(p.UserID))
	}
}

func (m *Mirror) onTransportCreated(data []byte) {
	var p app.TransportCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	if p.Sender {
		m.sendTransport = string(p.ID)
	} else {
		m.recvTransport = string(p.ID)
	}
	m.mu.Unlock()
	if err := m.emit.Emit("connect-transport", map[string]any{
		"transportId":    string(p.ID),
		"dtlsParameters": m.device.DTLSParameters(),
	}); err != nil {
		m.logger.Error().Err(err).Msg("connect transport")
	}
}

func (m *Mirror) onTransportConnected(data []byte) {
	var p app.TransportConnectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	var flush []pendingConsume
	var produce bool
	switch string(p.TransportID) {
	case m.recvTransport:
		m.recvReady = true
		flush = m.pending
		m.pending = nil
	case m.sendTransport:
		produce = m.wantPublish
	}
	rtp := m.localRTP
	sendID := m.sendTransport
	m.mu.Unlock()

	for _, pc := range flush {
		m.emitConsume(pc.producerID)
	}
	if produce {
		if err := m.emit.Emit("produce", map[string]any{
			"transportId":   sendID,
			"kind":          "audio",
			"rtpParameters": rtp,
		}); err != nil {
			m.logger.Error().Err(err).Msg("produce")
		}
	}
}

func (m *Mirror) onNewProducer(data []byte) {
	var p app.NewProducerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if string(p.ProducerUserID) == m.self {
		return
	}
	var joined bool
	m.mu.Lock()
	_, joined = m.getOrCreatePeer(string(p.ProducerUserID))
	m.requestConsume(string(p.ProducerUserID), string(p.ProducerID))
	m.mu.Unlock()
	if joined && m.cb.OnRemotePeerJoined != nil {
		m.cb.OnRemotePeerJoined(string(p.ProducerUserID))
	}
}

// requestConsume is called with the lock held; it defers the consume until
// the receive transport is connected.
func (m *Mirror) requestConsume(peerID, producerID string) {
	if !m.recvReady {
		m.pending = append(m.pending, pendingConsume{peerID: peerID, producerID: producerID})
		return
	}
	go m.emitConsume(producerID)
}

func (m *Mirror) emitConsume(producerID string) {
	m.mu.Lock()
	transportID := m.recvTransport
	m.mu.Unlock()
	if err := m.emit.Emit("consume", map[string]any{
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": m.device.RTPCapabilities(),
	}); err != nil {
		m.logger.Error().Err(err).Msg("consume")
	}
}

func (m *Mirror) onProducerCreated(data []byte) {
	var p app.ProducerCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	m.localProducer = string(p.ID)
	m.mu.Unlock()
	if m.cb.OnLocalAudioStateChanged != nil {
		m.cb.OnLocalAudioStateChanged(true)
	}
}

func (m *Mirror) onProducerClosed(data []byte) {
	var p app.ProducerClosedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	var ended bool
	m.mu.Lock()
	if peer, ok := m.peers[string(p.ProducerUserID)]; ok && peer.HasAudio {
		peer.HasAudio = false
		ended = true
	}
	m.mu.Unlock()
	if ended && m.cb.OnRemotePeerAudioEnded != nil {
		m.cb.OnRemotePeerAudioEnded(string(p.ProducerUserID))
	}
}

func (m *Mirror) onConsumerCreated(data []byte) {
	var p app.ConsumerCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	m.consumers[string(p.ID)] = consumerRef{
		peerID:     string(p.ProducerUserID),
		producerID: string(p.ProducerID),
	}
	m.mu.Unlock()
	// The playback sink binds here; resume only after that, so media never
	// starts against an unbound sink.
	if err := m.emit.Emit("consumer-resume", map[string]string{"consumerId": string(p.ID)}); err != nil {
		m.logger.Error().Err(err).Msg("consumer resume")
	}
}

func (m *Mirror) onConsumerResumed(data []byte) {
	var p app.ConsumerResumedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	var peerID string
	m.mu.Lock()
	if ref, ok := m.consumers[string(p.ConsumerID)]; ok {
		peer, _ := m.getOrCreatePeer(ref.peerID)
		peer.HasAudio = true
		peerID = ref.peerID
	}
	m.mu.Unlock()
	if peerID != "" && m.cb.OnRemotePeerAudio != nil {
		m.cb.OnRemotePeerAudio(peerID, string(p.ConsumerID))
	}
}

func (m *Mirror) onConsumerClosed(data []byte) {
	var p app.ConsumerClosedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	var ended string
	m.mu.Lock()
	if ref, ok := m.consumers[string(p.ConsumerID)]; ok {
		delete(m.consumers, string(p.ConsumerID))
		if peer, ok := m.peers[ref.peerID]; ok && peer.HasAudio {
			peer.HasAudio = false
			ended = ref.peerID
		}
	}
	m.mu.Unlock()
	if ended != "" && m.cb.OnRemotePeerAudioEnded != nil {
		m.cb.OnRemotePeerAudioEnded(ended)
	}
}

func (m *Mirror) onError(data []byte) {
	var p app.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.logger.Warn().Str("message", p.Message).Msg("server error event")
	if m.cb.OnError != nil {
		m.cb.OnError(p.Message)
	}
}
