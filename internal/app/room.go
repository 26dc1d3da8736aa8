package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

// ErrRoomClosed is returned for operations submitted to a stopped room.
var ErrRoomClosed = errors.New("room closed")

type transportPhase int

const (
	transportCreated transportPhase = iota
	transportConnecting
	transportConnected
	transportClosed
)

type consumerPhase int

const (
	consumerPaused consumerPhase = iota
	consumerActive
	consumerClosed
)

type transportEntry struct {
	id        domain.TransportID
	t         media.Transport
	direction domain.TransportDirection
	phase     transportPhase
}

type producerEntry struct {
	id          domain.ProducerID
	p           media.Producer
	transportID domain.TransportID
	kind        domain.MediaKind
	closed      bool
}

type consumerEntry struct {
	id             domain.ConsumerID
	c              media.Consumer
	transportID    domain.TransportID
	producerID     domain.ProducerID
	producerUserID domain.UserID
	phase          consumerPhase
}

// userSession is one logical user inside a room. It survives reconnects: a
// re-join with the same user id rebinds the connection in place.
type userSession struct {
	id         domain.UserID
	sid        domain.SessionID
	conn       SignalConn
	transports map[domain.TransportID]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry
}

// producerRecord is the room-level read index of a producer. The owning
// user's map stays the single owner.
type producerRecord struct {
	owner domain.UserID
	kind  domain.MediaKind
}

// Room owns a media router and the sessions of every user in it. All map
// mutation runs on a single task loop, so events for the same room never
// interleave; different rooms run fully in parallel.
type Room struct {
	id     domain.RoomID
	router media.Router

	users     map[domain.UserID]*userSession
	producers map[domain.ProducerID]producerRecord

	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger zerolog.Logger
}

func newRoom(id domain.RoomID, router media.Router, logger zerolog.Logger) *Room {
	return &Room{
		id:        id,
		router:    router,
		users:     make(map[domain.UserID]*userSession),
		producers: make(map[domain.ProducerID]producerRecord),
		tasks:     make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// run is the room's serialized execution context.
func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.stop:
			r.teardown()
			return
		}
	}
}

// Stop ends the room loop and releases its engine resources. Blocks until
// the loop has exited. Nothing calls this automatically: empty rooms are
// kept warm for rejoin.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// exec runs fn on the room loop and waits for it.
func (r *Room) exec(fn func()) error {
	ran := make(chan struct{})
	select {
	case r.tasks <- func() { fn(); close(ran) }:
	case <-r.done:
		return ErrRoomClosed
	}
	<-ran
	return nil
}

// teardown releases engine resources for everything still live. Members are
// not notified; an explicit room stop is an administrative action and the
// adapter owns the connections.
func (r *Room) teardown() {
	for _, u := range r.users {
		for _, te := range u.transports {
			r.closeTransportEntry(u, te, false)
		}
	}
	r.users = make(map[domain.UserID]*userSession)
	if err := r.router.Close(); err != nil {
		r.logger.Error().Err(err).Msg("router close")
	}
	r.logger.Info().Msg("room stopped")
}

// JoinSnapshot is what a joining user needs to bootstrap its receive path
// before any broadcast can race ahead of it.
type JoinSnapshot struct {
	Capabilities media.RTPCapabilities
	Users        []ExistingUser
}

// Join adds the user or rebinds an existing session with the same id. The
// capability descriptor and the existing-user replay are enqueued to the
// joiner before it enters the broadcast fan-out set, so it can never see a
// new-producer for which it has no replayed context.
func (r *Room) Join(userID domain.UserID, sid domain.SessionID, conn SignalConn) (snap JoinSnapshot, err error) {
	execErr := r.exec(func() { snap, err = r.join(userID, sid, conn) })
	if execErr != nil {
		return JoinSnapshot{}, execErr
	}
	return snap, err
}

func (r *Room) join(userID domain.UserID, sid domain.SessionID, conn SignalConn) (JoinSnapshot, error) {
	if userID == "" {
		return JoinSnapshot{}, domain.ErrInvalidIdentity
	}
	snap := JoinSnapshot{
		Capabilities: r.router.Capabilities(),
		Users:        r.existingUsers(userID),
	}

	if u, ok := r.users[userID]; ok {
		// Reconnect by identity: rebind the socket, no duplicate announce.
		u.sid = sid
		u.conn = conn
		r.emitTo(u, EventRouterCapabilities, RouterCapabilitiesPayload{RTPCapabilities: snap.Capabilities})
		r.emitTo(u, EventExistingUsers, ExistingUsersPayload{Users: snap.Users})
		r.logger.Info().Str("user", string(userID)).Str("sid", string(sid)).Msg("rebound session")
		return snap, nil
	}

	u := &userSession{
		id:         userID,
		sid:        sid,
		conn:       conn,
		transports: make(map[domain.TransportID]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
	}
	r.emitTo(u, EventRouterCapabilities, RouterCapabilitiesPayload{RTPCapabilities: snap.Capabilities})
	r.emitTo(u, EventExistingUsers, ExistingUsersPayload{Users: snap.Users})
	r.users[userID] = u
	r.broadcast(userID, EventUserJoined, UserJoinedPayload{UserID: userID})
	r.logger.Info().Str("user", string(userID)).Str("sid", string(sid)).Msg("user joined")
	return snap, nil
}

func (r *Room) existingUsers(except domain.UserID) []ExistingUser {
	out := make([]ExistingUser, 0, len(r.users))
	for id, u := range r.users {
		if id == except {
			continue
		}
		eu := ExistingUser{ID: id, Producers: make([]ExistingProducer, 0, len(u.producers))}
		for pid, pe := range u.producers {
			eu.Producers = append(eu.Producers, ExistingProducer{ID: pid, Kind: pe.kind})
		}
		out = append(out, eu)
	}
	return out
}

// Disconnect unwinds everything the session owns: transports cascade to
// producers and consumers, the user entry goes away, remaining members get a
// single user-left. A session that was rebound by a newer socket is left
// untouched. The room itself stays, even if now empty.
func (r *Room) Disconnect(userID domain.UserID, sid domain.SessionID) error {
	return r.exec(func() { r.disconnect(userID, sid) })
}

func (r *Room) disconnect(userID domain.UserID, sid domain.SessionID) {
	u, ok := r.users[userID]
	if !ok || u.sid != sid {
		return
	}
	for _, te := range u.transports {
		r.closeTransportEntry(u, te, true)
	}
	delete(r.users, userID)
	r.broadcast(userID, EventUserLeft, UserLeftPayload{UserID: userID})
	r.logger.Info().Str("user", string(userID)).Msg("user left")
}

// UserCount reports current membership, for admin listings.
func (r *Room) UserCount() int {
	n := 0
	_ = r.exec(func() { n = len(r.users) })
	return n
}

// member resolves the caller's session. A stale socket (rebound user) does
// not get to mutate the live session's resources.
func (r *Room) member(userID domain.UserID, sid domain.SessionID) (*userSession, error) {
	u, ok := r.users[userID]
	if !ok || u.sid != sid {
		return nil, domain.ErrResourceNotFound
	}
	return u, nil
}

func (r *Room) emitTo(u *userSession, typ string, data any) {
	frame, err := EncodeEvent(typ, data)
	if err != nil {
		r.logger.Error().Err(err).Str("event", typ).Msg("encode event")
		return
	}
	if err := u.conn.TrySend(frame); err != nil {
		r.logger.Warn().Err(err).Str("user", string(u.id)).Str("event", typ).Msg("send dropped")
	}
}

func (r *Room) broadcast(except domain.UserID, typ string, data any) {
	for id, u := range r.users {
		if id == except {
			continue
		}
		r.emitTo(u, typ, data)
	}
}
