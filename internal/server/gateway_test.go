package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

func quietConfig() Config {
	cfg := testConfig()
	cfg.AnnouncePresence = false
	return cfg
}

func messageIDs(msgs []chat.Message) []string {
	return lo.Map(msgs, func(m chat.Message, _ int) string { return m.ID })
}

// TestJoinSendsStoredHistory tests that joining a room delivers exactly one
// history frame holding the same messages LoadRecent returns, oldest first.
func TestJoinSendsStoredHistory(t *testing.T) {
	st := store.NewMemory(0)
	seeded := seed(t, st, "general", "one", "two", "three")
	seed(t, st, "other", "elsewhere")

	ts := startTestServer(t, quietConfig(), st)
	conn := ts.dial(t)

	history := join(t, conn, "general")
	assert.Equal(t, "general", history.RoomID)
	assert.Equal(t, messageIDs(seeded), messageIDs(history.Messages))
	assert.Equal(t, []string{"one", "two", "three"},
		lo.Map(history.Messages, func(m chat.Message, _ int) string { return m.Text }))
}

// TestJoinHistoryRespectsLimit tests that only the newest HistoryLimit
// messages are replayed.
func TestJoinHistoryRespectsLimit(t *testing.T) {
	st := store.NewMemory(0)
	seeded := seed(t, st, "general", "a", "b", "c", "d")

	cfg := quietConfig()
	cfg.HistoryLimit = 2
	ts := startTestServer(t, cfg, st)

	history := join(t, ts.dial(t), "general")
	assert.Equal(t, messageIDs(seeded[2:]), messageIDs(history.Messages))
}

// TestJoinEmptyRoomSendsEmptyHistory tests that a room without messages
// still yields a history frame with an empty array.
func TestJoinEmptyRoomSendsEmptyHistory(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	history := join(t, ts.dial(t), "general")
	assert.NotNil(t, history.Messages)
	assert.Empty(t, history.Messages)
}

// TestBroadcastReachesEverySubscriber tests that a valid message is saved
// once and delivered with the same id to every subscriber, sender included.
func TestBroadcastReachesEverySubscriber(t *testing.T) {
	st := store.NewMemory(0)
	ts := startTestServer(t, quietConfig(), st)

	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, alice, map[string]string{"text": "hello", "user": "Alice"})

	got := []chat.Message{readFrame(t, alice).posted(t), readFrame(t, bob).posted(t)}
	for _, m := range got {
		assert.Equal(t, "hello", m.Text)
		assert.Equal(t, "Alice", m.DisplayName)
		assert.Equal(t, "general", m.RoomID)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
	}
	assert.Equal(t, got[0].ID, got[1].ID)

	stored, err := st.LoadRecent(context.Background(), "general", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, got[0].ID, stored[0].ID)
}

// TestMessagesKeepSenderOrder tests that frames from one connection reach
// another subscriber in the order they were sent.
func TestMessagesKeepSenderOrder(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	texts := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, text := range texts {
		send(t, alice, map[string]string{"text": text})
	}
	for _, want := range texts {
		f := readFrame(t, bob)
		require.Equal(t, chat.FrameNewMessage, f.Type)
		assert.Equal(t, want, f.posted(t).Text)
	}
}

// TestExcludeSelf tests that the sender does not get its own message back
// when ExcludeSelf is set.
func TestExcludeSelf(t *testing.T) {
	cfg := quietConfig()
	cfg.ExcludeSelf = true
	ts := startTestServer(t, cfg, nil)

	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, alice, map[string]string{"text": "only for bob"})
	assert.Equal(t, "only for bob", readFrame(t, bob).posted(t).Text)
	expectSilence(t, alice, 200*time.Millisecond)
}

// TestMalformedFrameAnswersOnlySender tests that a non-JSON frame yields an
// error frame to its sender and nothing to anyone else.
func TestMalformedFrameAnswersOnlySender(t *testing.T) {
	st := store.NewMemory(0)
	ts := startTestServer(t, quietConfig(), st)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))

	f := readFrame(t, alice)
	assert.Equal(t, chat.FrameError, f.Type)
	assert.Equal(t, chat.ErrTextInvalidFormat, f.text(t))
	assert.Empty(t, f.Errors)

	expectSilence(t, bob, 200*time.Millisecond)
	stored, err := st.LoadRecent(context.Background(), "general", 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

// TestValidationErrorListsReasons tests that a message without text is
// rejected with the validation reasons and the connection stays usable.
func TestValidationErrorListsReasons(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	join(t, alice, "general")

	send(t, alice, map[string]string{"userId": "u1"})

	f := readFrame(t, alice)
	assert.Equal(t, chat.FrameError, f.Type)
	assert.Equal(t, chat.ErrTextValidationFailed, f.text(t))
	assert.Equal(t, []string{"Message text is required and must be a non-empty string"}, f.Errors)

	send(t, alice, map[string]string{"text": "still here"})
	assert.Equal(t, "still here", readFrame(t, alice).posted(t).Text)
}

// TestRequireSenderName tests the strict profile where a missing display
// name is a validation error instead of a placeholder.
func TestRequireSenderName(t *testing.T) {
	cfg := quietConfig()
	cfg.RequireSenderName = true
	ts := startTestServer(t, cfg, nil)
	alice := ts.dial(t)
	join(t, alice, "general")

	send(t, alice, map[string]string{"text": "anonymous"})
	f := readFrame(t, alice)
	assert.Equal(t, chat.ErrTextValidationFailed, f.text(t))
	assert.Equal(t, []string{"User name is required and must be a non-empty string"}, f.Errors)
}

// TestAnonymousSenderGetsPlaceholderName tests that anonymous senders without
// a name are shown under a Guest placeholder.
func TestAnonymousSenderGetsPlaceholderName(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	join(t, alice, "general")

	send(t, alice, map[string]string{"text": "who am i"})
	m := readFrame(t, alice).posted(t)
	assert.True(t, strings.HasPrefix(m.DisplayName, "Guest-"), m.DisplayName)
	assert.NotEmpty(t, m.SenderID)
}

// TestSaveFailureBroadcastsNothing tests that a failed save is reported to
// the sender only and no subscriber sees the message.
func TestSaveFailureBroadcastsNothing(t *testing.T) {
	ts := startTestServer(t, quietConfig(), &failingStore{Store: store.NewMemory(0)})
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, alice, map[string]string{"text": "lost"})

	f := readFrame(t, alice)
	assert.Equal(t, chat.FrameError, f.Type)
	assert.Equal(t, chat.ErrTextSaveFailed, f.text(t))
	expectSilence(t, bob, 200*time.Millisecond)
	assert.Equal(t, 2, ts.gw.Registry().Len())
}

// TestSlowSaveTimesOut tests that a save exceeding PersistTimeout is
// reported as a failure.
func TestSlowSaveTimesOut(t *testing.T) {
	cfg := quietConfig()
	cfg.PersistTimeout = 100 * time.Millisecond
	ts := startTestServer(t, cfg, &failingStore{Store: store.NewMemory(0), delay: 5 * time.Second})
	alice := ts.dial(t)
	join(t, alice, "general")

	start := time.Now()
	send(t, alice, map[string]string{"text": "slow"})
	f := readFrame(t, alice)
	assert.Equal(t, chat.ErrTextSaveFailed, f.text(t))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TestBroadcastUnpersistedProfile tests the degraded profile where messages
// are broadcast before the save and a failed save is only logged.
func TestBroadcastUnpersistedProfile(t *testing.T) {
	cfg := quietConfig()
	cfg.BroadcastUnpersisted = true
	ts := startTestServer(t, cfg, &failingStore{Store: store.NewMemory(0)})
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, alice, map[string]string{"text": "best effort"})
	m := readFrame(t, bob).posted(t)
	assert.Equal(t, "best effort", m.Text)
	assert.Empty(t, m.ID)
	assert.Equal(t, "best effort", readFrame(t, alice).posted(t).Text)
}

// delayedStore delays successful saves.
type delayedStore struct {
	store.Store
	delay time.Duration
}

func (s *delayedStore) Save(ctx context.Context, d chat.Draft) (chat.Message, error) {
	time.Sleep(s.delay)
	return s.Store.Save(ctx, d)
}

// TestSaveOutlivesSender tests that a message whose save completes after
// its sender disconnected is still broadcast.
func TestSaveOutlivesSender(t *testing.T) {
	st := &delayedStore{Store: store.NewMemory(0), delay: 200 * time.Millisecond}
	ts := startTestServer(t, quietConfig(), st)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, alice, map[string]string{"text": "parting words"})
	require.NoError(t, alice.Close())

	assert.Equal(t, "parting words", readFrame(t, bob).posted(t).Text)
}

// heldStore stores a message, reports it on saved and then waits for
// release before returning.
type heldStore struct {
	store.Store
	saved   chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *heldStore) Save(ctx context.Context, d chat.Draft) (chat.Message, error) {
	m, err := s.Store.Save(ctx, d)
	s.once.Do(func() { close(s.saved) })
	<-s.release
	return m, err
}

// TestMessageSavedDuringJoinArrivesOnce tests that a message stored while a
// join of its room is pending reaches the joiner once, in its history.
func TestMessageSavedDuringJoinArrivesOnce(t *testing.T) {
	st := &heldStore{Store: store.NewMemory(0), saved: make(chan struct{}), release: make(chan struct{})}
	ts := startTestServer(t, quietConfig(), st)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")

	send(t, alice, map[string]string{"text": "in flight"})
	select {
	case <-st.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not saved")
	}
	send(t, bob, map[string]string{"type": chat.FrameJoin, "room_id": "general"})
	time.Sleep(100 * time.Millisecond)
	close(st.release)

	posted := readFrame(t, alice).posted(t)
	assert.Equal(t, "in flight", posted.Text)

	history := readFrame(t, bob)
	require.Equal(t, chat.FrameHistory, history.Type)
	assert.Equal(t, []string{posted.ID}, messageIDs(history.Messages))
	expectSilence(t, bob, 200*time.Millisecond)
}

// TestMessageNeedsJoinedRoom tests room resolution for messages.
func TestMessageNeedsJoinedRoom(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)

	send(t, alice, map[string]string{"text": "nowhere"})
	assert.Equal(t, chat.ErrTextRoomRequired, readFrame(t, alice).text(t))

	join(t, alice, "general")
	send(t, alice, map[string]string{"text": "wrong room", "room_id": "random"})
	assert.Equal(t, chat.ErrTextNotJoined, readFrame(t, alice).text(t))

	join(t, alice, "random")
	send(t, alice, map[string]string{"text": "ambiguous"})
	assert.Equal(t, chat.ErrTextRoomRequired, readFrame(t, alice).text(t))

	send(t, alice, map[string]string{"text": "explicit", "room_id": "random"})
	m := readFrame(t, alice).posted(t)
	assert.Equal(t, "random", m.RoomID)
}

// TestRoomsAreIsolated tests that a message only reaches its room.
func TestRoomsAreIsolated(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "random")

	send(t, alice, map[string]string{"text": "general only"})
	assert.Equal(t, "general only", readFrame(t, alice).posted(t).Text)
	expectSilence(t, bob, 200*time.Millisecond)
}

// TestLeaveStopsDelivery tests that a connection no longer receives a
// room's messages after leaving it.
func TestLeaveStopsDelivery(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	send(t, bob, map[string]string{"type": chat.FrameLeave, "room_id": "general"})
	require.Eventually(t, func() bool { return ts.gw.Registry().SubscriberCount("general") == 1 },
		time.Second, 5*time.Millisecond)

	send(t, alice, map[string]string{"text": "after leave"})
	assert.Equal(t, "after leave", readFrame(t, alice).posted(t).Text)
	expectSilence(t, bob, 200*time.Millisecond)
}

// TestPresenceFrames tests user_joined and user_left announcements.
func TestPresenceFrames(t *testing.T) {
	ts := startTestServer(t, testConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "general")
	join(t, bob, "general")

	joined := readFrame(t, alice)
	assert.Equal(t, chat.FrameUserJoined, joined.Type)
	assert.Equal(t, "general", joined.RoomID)
	assert.NotEmpty(t, joined.UserID)
	assert.True(t, strings.HasPrefix(joined.UserName, "Guest-"))

	require.NoError(t, bob.Close())

	left := readFrame(t, alice)
	assert.Equal(t, chat.FrameUserLeft, left.Type)
	assert.Equal(t, joined.UserID, left.UserID)
	assert.Equal(t, joined.UserName, left.UserName)
}

// TestCloseCleansUpRegistry tests that a closed connection disappears from
// the registry and from every room it joined.
func TestCloseCleansUpRegistry(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	join(t, alice, "general")
	join(t, alice, "random")
	ts.waitClients(t, 1)

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, alice.Close())

	ts.waitClients(t, 0)
	assert.Zero(t, ts.gw.Registry().SubscriberCount("general"))
	assert.Zero(t, ts.gw.Registry().SubscriberCount("random"))
}

// TestGlobalModeHistoryOnConnect tests the room-less profile: history is
// sent on connect and messages reach every connection.
func TestGlobalModeHistoryOnConnect(t *testing.T) {
	st := store.NewMemory(0)
	seeded := seed(t, st, "", "earlier", "later")

	cfg := quietConfig()
	cfg.RoomMode = false
	ts := startTestServer(t, cfg, st)

	alice := ts.dial(t)
	history := readFrame(t, alice)
	require.Equal(t, chat.FrameHistory, history.Type)
	assert.Empty(t, history.RoomID)
	assert.Equal(t, messageIDs(seeded), messageIDs(history.Messages))

	bob := ts.dial(t)
	assert.Len(t, readFrame(t, bob).Messages, 2)

	send(t, alice, map[string]string{"text": "to everyone", "user": "Alice"})
	m := readFrame(t, bob).posted(t)
	assert.Equal(t, "to everyone", m.Text)
	assert.Empty(t, m.RoomID)

	send(t, bob, map[string]string{"type": chat.FrameJoin, "room_id": "general"})
	// alice's own copy of her message comes first
	assert.Equal(t, chat.FrameNewMessage, readFrame(t, alice).Type)
	assert.Equal(t, chat.ErrTextUnknownType, readFrame(t, bob).text(t))
}

// TestUnknownFrameType tests that unsupported frame types are reported.
func TestUnknownFrameType(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	send(t, alice, map[string]string{"type": "dance"})
	assert.Equal(t, chat.ErrTextUnknownType, readFrame(t, alice).text(t))
}

// TestJoinUnknownRoomWithoutAutoCreate tests that joins are limited to the
// room directory when auto-creation is off.
func TestJoinUnknownRoomWithoutAutoCreate(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil, WithRooms(NewRooms(false, "general")))
	alice := ts.dial(t)

	send(t, alice, map[string]string{"type": chat.FrameJoin, "room_id": "nope"})
	assert.Equal(t, chat.ErrTextRoomNotFound, readFrame(t, alice).text(t))
	join(t, alice, "general")
}

// TestPrivateRoomRequiresMembership tests that only members may join a
// private room and that authenticated senders post under their identity.
func TestPrivateRoomRequiresMembership(t *testing.T) {
	rooms := NewRooms(false)
	_, err := rooms.Create(chat.Room{ID: "secret", IsPrivate: true, MemberIDs: []string{"alice"}})
	require.NoError(t, err)

	verifier := auth.NewJWT("test-secret", "roomchat", true)
	ts := startTestServer(t, quietConfig(), nil, WithRooms(rooms), WithAuthenticator(verifier))

	guest := ts.dial(t)
	send(t, guest, map[string]string{"type": chat.FrameJoin, "room_id": "secret"})
	assert.Equal(t, chat.ErrTextRoomForbidden, readFrame(t, guest).text(t))

	token, err := verifier.Issue(auth.Principal{ID: "alice", Name: "Alice"}, time.Minute)
	require.NoError(t, err)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	alice, resp, err := dialer.Dial(ts.wsURL()+"?token="+url.QueryEscape(token), http.Header{"Origin": []string{testOrigin}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer alice.Close()

	join(t, alice, "secret")
	send(t, alice, map[string]string{"text": "hi", "user": "Mallory", "userId": "mallory"})
	m := readFrame(t, alice).posted(t)
	assert.Equal(t, "alice", m.SenderID)
	assert.Equal(t, "Mallory", m.DisplayName)
}

// TestUpgradeRequiresCredential tests that a missing token is rejected with
// 401 when anonymous access is disabled.
func TestUpgradeRequiresCredential(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil, WithAuthenticator(auth.NewJWT("test-secret", "", false)))

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial(ts.wsURL(), http.Header{"Origin": []string{testOrigin}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.gw.Registry().Len())
}

// TestDisallowedOriginIsRejected tests the origin allow-list on upgrade.
func TestDisallowedOriginIsRejected(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)

	_, err := ts.dialWith(http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	_, err = ts.dialWith(http.Header{})
	require.Error(t, err)
	assert.Zero(t, ts.gw.Registry().Len())
}

// TestWebSocketRejectsNonGET tests the method check of the WebSocket endpoint.
func TestWebSocketRejectsNonGET(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, ts.srv.URL+"/ws", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

// TestRateLimitedFramesAreRejected tests that frames over the burst get an
// error frame instead of being processed.
func TestRateLimitedFramesAreRejected(t *testing.T) {
	cfg := quietConfig()
	cfg.RateLimitBurst = 2
	cfg.RateLimitRefillInterval = time.Hour
	ts := startTestServer(t, cfg, nil)
	alice := ts.dial(t)

	join(t, alice, "general")
	send(t, alice, map[string]string{"text": "allowed"})
	assert.Equal(t, "allowed", readFrame(t, alice).posted(t).Text)

	send(t, alice, map[string]string{"text": "too many"})
	assert.Equal(t, chat.ErrTextRateLimited, readFrame(t, alice).text(t))
}

// TestOversizedFrameClosesConnection tests that a frame above MaxMessageSize
// closes the connection with 1009.
func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxMessageSize = 64
	ts := startTestServer(t, cfg, nil)
	alice := ts.dial(t)
	ts.waitClients(t, 1)

	send(t, alice, map[string]string{"text": strings.Repeat("x", 200)})

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), err.Error())
	ts.waitClients(t, 0)
}

// TestHeartbeatEvictsSilentPeer tests that a peer that never answers pings
// is closed by the heartbeat.
func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	ts := startTestServer(t, cfg, nil)

	// never reading means never answering pings
	_ = ts.dial(t)
	ts.waitClients(t, 1)
	ts.waitClients(t, 0)
}

// TestShutdownClosesClients tests that Shutdown closes every connection with
// 1001 and that later upgrades are refused.
func TestShutdownClosesClients(t *testing.T) {
	ts := startTestServer(t, quietConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	ts.waitClients(t, 2)

	require.NoError(t, ts.gw.Shutdown(2*time.Second))

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "%v", err)
	}
	assert.Zero(t, ts.gw.Registry().Len())

	resp, err := http.Get(ts.srv.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestShutdownWithoutClients tests that an idle gateway shuts down at once.
func TestShutdownWithoutClients(t *testing.T) {
	gw := NewGateway(quietConfig(), store.NewMemory(0))
	gw.Start()
	require.NoError(t, gw.Shutdown(time.Second))
}

// TestAcceptDuplicateIDKeepsOriginal tests that a connection whose id is
// already registered is refused without disturbing the owner of that id.
func TestAcceptDuplicateIDKeepsOriginal(t *testing.T) {
	orig := newConnID
	newConnID = func() string { return "fixed-id" }
	t.Cleanup(func() { newConnID = orig })

	gw := NewGateway(quietConfig(), store.NewMemory(0))
	first, err := gw.Accept(newFakeConn(), "fake", auth.Principal{ID: "u1"})
	require.NoError(t, err)

	dupConn := newFakeConn()
	_, err = gw.Accept(dupConn, "fake", auth.Principal{ID: "u2"})
	require.ErrorIs(t, err, ErrDuplicateConnection)
	assert.True(t, dupConn.isClosed())

	got, ok := gw.Registry().Get("fixed-id")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, StateOpen, first.State())
	assert.Equal(t, 1, gw.Registry().Len())
	require.NoError(t, gw.Shutdown(time.Second))
}

// TestAcceptAfterShutdownIsRefused tests that Accept after Shutdown closes
// the socket and registers nothing.
func TestAcceptAfterShutdownIsRefused(t *testing.T) {
	gw := NewGateway(quietConfig(), store.NewMemory(0))
	require.NoError(t, gw.Shutdown(time.Second))

	conn := newFakeConn()
	c, err := gw.Accept(conn, "fake", auth.Principal{Anonymous: true})
	require.ErrorIs(t, err, errGatewayClosed)
	assert.Nil(t, c)
	assert.True(t, conn.isClosed())
	assert.Zero(t, gw.Registry().Len())
}

// TestShutdownRacingAccept tests that every connection accepted around a
// shutdown ends up closed.
func TestShutdownRacingAccept(t *testing.T) {
	gw := NewGateway(quietConfig(), store.NewMemory(0))

	conns := make([]*fakeConn, 20)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn()
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			_, _ = gw.Accept(conn, "fake", auth.Principal{Anonymous: true})
		}(conns[i])
	}
	require.NoError(t, gw.Shutdown(2*time.Second))
	wg.Wait()

	for i, conn := range conns {
		assert.True(t, conn.isClosed(), "connection %d left open", i)
	}
	assert.Zero(t, gw.Registry().Len())
}

// TestAcceptOnFakeTransport tests Accept without a network: the client is
// OPEN and registered, and closing it unregisters it once.
func TestAcceptOnFakeTransport(t *testing.T) {
	gw := NewGateway(quietConfig(), store.NewMemory(0))
	conn := newFakeConn()

	c, err := gw.Accept(conn, "fake", auth.Principal{ID: "u1", Name: "User One"})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, "u1", c.UserID())
	assert.Equal(t, 1, gw.Registry().Len())

	c.Close(ReasonClientClosed)
	c.Close(ReasonClientClosed)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, conn.isClosed())
	assert.Zero(t, gw.Registry().Len())
	require.NoError(t, gw.Shutdown(time.Second))
}
