package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	engine := newFakeEngine()
	router, err := engine.NewRouter(context.Background())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	room := newRoom("lobby", router, zerolog.Nop())
	go room.run()
	t.Cleanup(room.Stop)
	return room
}

// connectedTransport walks one user through create + connect.
func connectedTransport(t *testing.T, room *Room, user domain.UserID, sid domain.SessionID, direction domain.TransportDirection) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	id, err := room.CreateTransport(ctx, user, sid, direction)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	if err := room.ConnectTransport(ctx, user, sid, id, testDTLS); err != nil {
		t.Fatalf("connect transport: %v", err)
	}
	return id
}

func mustJoin(t *testing.T, room *Room, user domain.UserID, sid domain.SessionID, conn *fakeConn) JoinSnapshot {
	t.Helper()
	snap, err := room.Join(user, sid, conn)
	if err != nil {
		t.Fatalf("join %s: %v", user, err)
	}
	return snap
}

func mustProduce(t *testing.T, room *Room, user domain.UserID, sid domain.SessionID, transport domain.TransportID) domain.ProducerID {
	t.Helper()
	id, err := room.Produce(context.Background(), user, sid, transport, domain.MediaKindAudio, testRTP)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	return id
}

func TestJoinIdempotent(t *testing.T) {
	room := newTestRoom(t)
	conn1 := &fakeConn{}
	conn2 := &fakeConn{}

	mustJoin(t, room, "alice", "sid-1", conn1)
	mustJoin(t, room, "alice", "sid-2", conn2)

	if got := room.UserCount(); got != 1 {
		t.Fatalf("user count = %d, want 1", got)
	}

	// The rebound socket gets a fresh bootstrap, the old one no broadcast.
	if conn2.count(t, EventRouterCapabilities) != 1 {
		t.Fatal("rebound connection missing capability descriptor")
	}
	if conn1.count(t, EventUserJoined) != 0 || conn2.count(t, EventUserJoined) != 0 {
		t.Fatal("rejoin must not re-announce the user")
	}

	// Broadcasts now land on the most recent connection.
	connB := &fakeConn{}
	mustJoin(t, room, "bob", "sid-b", connB)
	if conn2.count(t, EventUserJoined) != 1 {
		t.Fatal("rebound connection should receive user-joined for bob")
	}
	if conn1.count(t, EventUserJoined) != 0 {
		t.Fatal("stale connection should receive nothing")
	}
}

func TestJoinConcurrentSameUser(t *testing.T) {
	room := newTestRoom(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := room.Join("alice", domain.SessionID(fmt.Sprintf("sid-%d", i)), &fakeConn{}); err != nil {
				t.Errorf("join %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := room.UserCount(); got != 1 {
		t.Fatalf("user count = %d, want 1", got)
	}
}

func TestJoinEmptyUserID(t *testing.T) {
	room := newTestRoom(t)
	if _, err := room.Join("", "sid", &fakeConn{}); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("err = %v, want ErrInvalidIdentity", err)
	}
	if got := room.UserCount(); got != 0 {
		t.Fatalf("user count = %d, want 0", got)
	}
}

func TestProduceFanoutExactlyOnce(t *testing.T) {
	room := newTestRoom(t)
	connA, connB, connC := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	mustJoin(t, room, "bob", "sid-b", connB)
	mustJoin(t, room, "carol", "sid-c", connC)

	transport := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", transport)

	if connA.count(t, EventProducerCreated) != 1 {
		t.Fatal("owner missing producer-created ack")
	}
	if connA.count(t, EventNewProducer) != 0 {
		t.Fatal("owner must not receive its own new-producer")
	}
	for name, conn := range map[string]*fakeConn{"bob": connB, "carol": connC} {
		if got := conn.count(t, EventNewProducer); got != 1 {
			t.Fatalf("%s received %d new-producer events, want 1", name, got)
		}
	}

	np := decodeLast[NewProducerPayload](t, connB, EventNewProducer)
	if np.ProducerID != producerID || np.ProducerUserID != "alice" || np.Kind != domain.MediaKindAudio {
		t.Fatalf("unexpected new-producer payload: %+v", np)
	}
}

func TestLateJoinerGetsReplayNotBroadcast(t *testing.T) {
	room := newTestRoom(t)
	connA := &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	transport := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", transport)

	connD := &fakeConn{}
	mustJoin(t, room, "dave", "sid-d", connD)

	if connD.count(t, EventNewProducer) != 0 {
		t.Fatal("late joiner must not see the original broadcast")
	}
	existing := decodeLast[ExistingUsersPayload](t, connD, EventExistingUsers)
	if len(existing.Users) != 1 || existing.Users[0].ID != "alice" {
		t.Fatalf("unexpected existing users: %+v", existing.Users)
	}
	if len(existing.Users[0].Producers) != 1 || existing.Users[0].Producers[0].ID != producerID {
		t.Fatalf("replay missing producer: %+v", existing.Users[0].Producers)
	}

	// The capability descriptor must precede everything else on the wire.
	events := connD.events(t)
	if len(events) == 0 || events[0].Type != EventRouterCapabilities {
		t.Fatalf("first event = %v, want %s", events, EventRouterCapabilities)
	}
	if events[1].Type != EventExistingUsers {
		t.Fatalf("second event = %s, want %s", events[1].Type, EventExistingUsers)
	}
}

func TestConsumeCapabilityMismatch(t *testing.T) {
	room := newTestRoom(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	mustJoin(t, room, "bob", "sid-b", connB)

	sendT := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", sendT)
	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)

	videoOnly := media.RTPCapabilities{Codecs: []media.CodecCapability{{MimeType: "video/VP8", ClockRate: 90000}}}
	_, err := room.Consume(context.Background(), "bob", "sid-b", recvT, producerID, videoOnly)
	if !errors.Is(err, domain.ErrCapabilityMismatch) {
		t.Fatalf("err = %v, want ErrCapabilityMismatch", err)
	}
	if connB.count(t, EventConsumerCreated) != 0 {
		t.Fatal("incompatible consume must never create a consumer")
	}
}

func TestConsumeUnknownProducer(t *testing.T) {
	room := newTestRoom(t)
	connB := &fakeConn{}
	mustJoin(t, room, "bob", "sid-b", connB)
	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)

	_, err := room.Consume(context.Background(), "bob", "sid-b", recvT, "no-such-producer", testCaps)
	if !errors.Is(err, domain.ErrResourceNotFound) {
		t.Fatalf("err = %v, want ErrResourceNotFound", err)
	}
}

func TestConsumeResumeFlow(t *testing.T) {
	room := newTestRoom(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	mustJoin(t, room, "bob", "sid-b", connB)

	sendT := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", sendT)
	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)

	consumerID, err := room.Consume(context.Background(), "bob", "sid-b", recvT, producerID, testCaps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	created := decodeLast[ConsumerCreatedPayload](t, connB, EventConsumerCreated)
	if created.ID != consumerID || created.ProducerID != producerID || created.ProducerUserID != "alice" {
		t.Fatalf("unexpected consumer-created payload: %+v", created)
	}
	if connA.count(t, EventConsumerCreated) != 0 {
		t.Fatal("consumer-created must go to the subscriber only")
	}

	if err := room.ResumeConsumer("bob", "sid-b", consumerID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if connB.count(t, EventConsumerResumed) != 1 {
		t.Fatal("missing consumer-resumed ack")
	}

	// A second resume references a consumer that is no longer paused.
	if err := room.ResumeConsumer("bob", "sid-b", consumerID); !errors.Is(err, domain.ErrResourceNotFound) {
		t.Fatalf("second resume err = %v, want ErrResourceNotFound", err)
	}
}

func TestProduceRequiresConnectedTransport(t *testing.T) {
	room := newTestRoom(t)
	connA := &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)

	transportID, err := room.CreateTransport(context.Background(), "alice", "sid-a", domain.DirectionSend)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	_, err = room.Produce(context.Background(), "alice", "sid-a", transportID, domain.MediaKindAudio, testRTP)
	if !errors.Is(err, domain.ErrResourceNotFound) {
		t.Fatalf("produce on unconnected transport err = %v, want ErrResourceNotFound", err)
	}
}

func TestTransportCloseCascade(t *testing.T) {
	room := newTestRoom(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	mustJoin(t, room, "bob", "sid-b", connB)

	sendT := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", sendT)
	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)
	if _, err := room.Consume(context.Background(), "bob", "sid-b", recvT, producerID, testCaps); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := room.CloseTransport("alice", "sid-a", sendT); err != nil {
		t.Fatalf("close transport: %v", err)
	}

	if got := connB.count(t, EventProducerClosed); got != 1 {
		t.Fatalf("bob received %d producer-closed events, want 1", got)
	}
	if got := connB.count(t, EventConsumerClosed); got != 1 {
		t.Fatalf("bob received %d consumer-closed events, want 1", got)
	}
	closed := decodeLast[ProducerClosedPayload](t, connB, EventProducerClosed)
	if closed.ProducerID != producerID || closed.ProducerUserID != "alice" {
		t.Fatalf("unexpected producer-closed payload: %+v", closed)
	}

	// Idempotent: closing again neither fails nor re-broadcasts.
	if err := room.CloseTransport("alice", "sid-a", sendT); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := connB.count(t, EventProducerClosed); got != 1 {
		t.Fatalf("duplicate producer-closed after repeated close: %d", got)
	}
}

func TestDisconnectUnwindsEverything(t *testing.T) {
	room := newTestRoom(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", connA)
	mustJoin(t, room, "bob", "sid-b", connB)

	sendT := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	producerID := mustProduce(t, room, "alice", "sid-a", sendT)
	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)
	consumerID, err := room.Consume(context.Background(), "bob", "sid-b", recvT, producerID, testCaps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := room.ResumeConsumer("bob", "sid-b", consumerID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := room.Disconnect("alice", "sid-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if got := room.UserCount(); got != 1 {
		t.Fatalf("user count = %d, want 1", got)
	}
	if got := connB.count(t, EventUserLeft); got != 1 {
		t.Fatalf("bob received %d user-left events, want 1", got)
	}
	if got := connB.count(t, EventProducerClosed); got != 1 {
		t.Fatalf("bob received %d producer-closed events, want 1", got)
	}

	// producer-closed must precede user-left.
	var sawProducerClosed bool
	for _, e := range connB.events(t) {
		switch e.Type {
		case EventProducerClosed:
			sawProducerClosed = true
		case EventUserLeft:
			if !sawProducerClosed {
				t.Fatal("user-left arrived before producer-closed")
			}
		}
	}
}

func TestDisconnectStaleSocketIsIgnored(t *testing.T) {
	room := newTestRoom(t)
	mustJoin(t, room, "alice", "sid-1", &fakeConn{})
	mustJoin(t, room, "alice", "sid-2", &fakeConn{})

	// The first socket dying must not tear down the rebound session.
	if err := room.Disconnect("alice", "sid-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := room.UserCount(); got != 1 {
		t.Fatalf("user count = %d, want 1", got)
	}
}

func TestLobbyScenario(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	connA := &fakeConn{}
	snapA := mustJoin(t, room, "alice", "sid-a", connA)
	if len(snapA.Users) != 0 {
		t.Fatalf("alice existing users = %+v, want none", snapA.Users)
	}

	connB := &fakeConn{}
	snapB := mustJoin(t, room, "bob", "sid-b", connB)
	if len(snapB.Users) != 1 || snapB.Users[0].ID != "alice" {
		t.Fatalf("bob existing users = %+v, want [alice]", snapB.Users)
	}
	joined := decodeLast[UserJoinedPayload](t, connA, EventUserJoined)
	if joined.UserID != "bob" {
		t.Fatalf("alice saw user-joined %q, want bob", joined.UserID)
	}

	sendT := connectedTransport(t, room, "alice", "sid-a", domain.DirectionSend)
	p1 := mustProduce(t, room, "alice", "sid-a", sendT)
	np := decodeLast[NewProducerPayload](t, connB, EventNewProducer)
	if np.ProducerID != p1 || np.ProducerUserID != "alice" || np.Kind != domain.MediaKindAudio {
		t.Fatalf("bob saw new-producer %+v", np)
	}

	recvT := connectedTransport(t, room, "bob", "sid-b", domain.DirectionRecv)
	c1, err := room.Consume(ctx, "bob", "sid-b", recvT, p1, testCaps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := room.ResumeConsumer("bob", "sid-b", c1); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := decodeLast[ConsumerResumedPayload](t, connB, EventConsumerResumed)
	if resumed.ConsumerID != c1 {
		t.Fatalf("resumed %q, want %q", resumed.ConsumerID, c1)
	}

	if err := room.Disconnect("alice", "sid-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	closed := decodeLast[ProducerClosedPayload](t, connB, EventProducerClosed)
	if closed.ProducerID != p1 || closed.ProducerUserID != "alice" {
		t.Fatalf("bob saw producer-closed %+v", closed)
	}
	left := decodeLast[UserLeftPayload](t, connB, EventUserLeft)
	if left.UserID != "alice" {
		t.Fatalf("bob saw user-left %q, want alice", left.UserID)
	}
}
