package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/winichat/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	tokens   chan string
	received chan Frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:    make(chan *websocket.Conn, 1),
		tokens:   make(chan string, 1),
		received: make(chan Frame, 64),
	}
	upgrader := websocket.Upgrader{}
	router := httprouter.New()
	router.GET("/ws/session/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ts.tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		go func() {
			for {
				var f Frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				ts.received <- f
			}
		}()
	})
	ts.Server = httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/"
}

func (ts *testServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (ts *testServer) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-ts.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func dial(t *testing.T, ts *testServer, selfID int64) *Socket {
	t.Helper()
	s := New(DefaultConfig(ts.wsURL()), "secret-token", selfID, WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func push(t *testing.T, conn *websocket.Conn, eventType, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{EventType: eventType, Event: event, Data: raw}))
}

func TestConnectPassesTokenAndFlushesBufferedFrames(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)

	assert.Equal(t, StateDisconnected, s.State())
	s.Users().Watch(7)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "secret-token", <-ts.tokens)

	f := ts.next(t)
	assert.Equal(t, TypeUser, f.EventType)
	assert.Equal(t, "watch", f.Event)
	assert.Equal(t, int64(7), f.UserID)
}

func TestWatchLeaveSendsOneFramePerNetTransition(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))

	users := s.Users()
	a := users.Watch(5)
	b := users.Watch(5)
	assert.Same(t, a, b)
	users.Leave(5)
	users.Leave(5)
	users.Leave(5)
	users.Watch(6)

	got := []Frame{ts.next(t), ts.next(t), ts.next(t)}
	assert.Equal(t, "watch", got[0].Event)
	assert.Equal(t, int64(5), got[0].UserID)
	assert.Equal(t, "leave", got[1].Event)
	assert.Equal(t, int64(5), got[1].UserID)
	assert.Equal(t, "watch", got[2].Event)
	assert.Equal(t, int64(6), got[2].UserID)
}

func TestInboundUserEventsUpdateWatchedEntity(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))
	conn := ts.conn(t)

	user := s.Users().Watch(7)
	ts.next(t)

	var seen atomic.Int32
	s.Users().On(UserJoint, func(ev UserEvent) {
		if ev.UserID == 7 {
			seen.Add(1)
		}
	})

	push(t, conn, TypeUser, UserProfileEdited, map[string]any{"user_id": 7, "data": map[string]any{"first_name": "Ada"}})
	push(t, conn, TypeUser, UserJoint, map[string]any{"user_id": 7})

	require.Eventually(t, func() bool {
		return user.String("first_name") == "Ada" && user.Int("status") == StatusOnline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), seen.Load())
	assert.False(t, s.Users().SelfUpdated())

	push(t, conn, TypeUser, UserLeft, map[string]any{"user_id": 7})
	require.Eventually(t, func() bool {
		return user.Int("status") == StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelfEventsAreFlagged(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 42)
	require.NoError(t, s.Connect(context.Background()))
	conn := ts.conn(t)

	push(t, conn, TypeUser, UserJoint, map[string]any{"user_id": 42})
	require.Eventually(t, s.Users().SelfUpdated, 2*time.Second, 10*time.Millisecond)

	s.Users().ResetSelfUpdated()
	assert.False(t, s.Users().SelfUpdated())
}

func TestEmptyProfileEditOfSelfIsFlagged(t *testing.T) {
	u := newUsers(&recorder{}, 42, logger.Discard())

	require.NoError(t, u.Handle(UserProfileEdited, json.RawMessage(`{"user_id": 7}`)))
	assert.False(t, u.SelfUpdated())

	require.NoError(t, u.Handle(UserProfileEdited, json.RawMessage(`{"user_id": 42}`)))
	assert.True(t, u.SelfUpdated())
}

func TestMalformedFramesDoNotStopTheReadLoop(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))
	conn := ts.conn(t)

	user := s.Users().Watch(3)
	ts.next(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	push(t, conn, "bogus", "x", nil)
	push(t, conn, TypeUser, UserJoint, "not an object")
	push(t, conn, TypeUser, UserJoint, map[string]any{"user_id": 3})

	require.Eventually(t, func() bool {
		return user.Int("status") == StatusOnline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateOpen, s.State())
}

func TestChatSubscriptionRoutesMessageEvents(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))
	conn := ts.conn(t)

	var (
		newID   atomic.Int64
		editID  atomic.Int64
		deleted atomic.Int64
	)
	sub := s.Chats().Connect(12, ChatHandlers{
		OnNew: func(msg json.RawMessage) {
			var m struct {
				ID int64 `json:"id"`
			}
			_ = json.Unmarshal(msg, &m)
			newID.Store(m.ID)
		},
		OnUpdate: func(p MessagePatch) { editID.Store(p.MsgID) },
		OnDelete: func(id int64) { deleted.Store(id) },
	})
	f := ts.next(t)
	assert.Equal(t, "connect", f.Event)
	assert.Equal(t, int64(12), f.ChatID)

	push(t, conn, TypeChat, ChatEvent(12, ChatNew), map[string]any{"id": 100, "content": "hi"})
	push(t, conn, TypeChat, ChatEvent(12, ChatUpdate), map[string]any{"msg_id": 101, "data": map[string]any{"content": "x"}})
	push(t, conn, TypeChat, ChatEvent(12, ChatDelete), map[string]any{"msg_id": 102})

	require.Eventually(t, func() bool {
		return newID.Load() == 100 && editID.Load() == 101 && deleted.Load() == 102
	}, 2*time.Second, 10*time.Millisecond)

	s.Chats().Disconnect(sub)
	f = ts.next(t)
	assert.Equal(t, "disconnect", f.Event)
	assert.Equal(t, 0, s.Chats().Connected(12))
}

func TestChatConnectionsAreShared(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))

	a := s.Chats().Connect(4, ChatHandlers{})
	b := s.Chats().Connect(4, ChatHandlers{})
	assert.Equal(t, 2, s.Chats().Connected(4))
	assert.Equal(t, "connect", ts.next(t).Event)

	s.Chats().Disconnect(a)
	s.Chats().Disconnect(a)
	assert.Equal(t, 1, s.Chats().Connected(4))
	s.Chats().Disconnect(b)
	assert.Equal(t, "disconnect", ts.next(t).Event)
}

func TestBroadcastFrames(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Chats().Posted(3, map[string]any{"id": 9}))
	require.NoError(t, s.Groups().Edited(8, 9, map[string]any{"content": "y"}))
	require.NoError(t, s.Groups().Deleted(8, 9))

	f := ts.next(t)
	assert.Equal(t, "send", f.Event)
	assert.Equal(t, int64(3), f.ChatID)
	assert.JSONEq(t, `{"id":9}`, string(f.Data))

	f = ts.next(t)
	assert.Equal(t, GroupEditMsg, f.Event)
	assert.Equal(t, int64(8), f.GroupID)
	assert.Equal(t, int64(9), f.MsgID)

	f = ts.next(t)
	assert.Equal(t, GroupDelMsg, f.Event)
	assert.Empty(t, f.Data)
}

func TestOnOpenContinuations(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)

	var calls atomic.Int32
	s.OnOpen(func() { calls.Add(1) })
	s.OnOpen(func() { panic("boom") })
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	s.OnOpen(func() { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.WaitOpen(ctx))
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)

	assert.ErrorIs(t, s.Send(Frame{Event: "watch"}), ErrEmptyEventType)

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)

	var closeErr atomic.Value
	closed := make(chan struct{})
	s.OnClose(func(err error) {
		closeErr.Store(err == nil)
		close(closed)
	})
	require.NoError(t, s.Close())
	<-closed

	assert.Equal(t, true, closeErr.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(Frame{EventType: TypeUser, Event: "watch", UserID: 1}), ErrClosed)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestServerCloseClosesSocket(t *testing.T) {
	ts := newTestServer(t)
	s := dial(t, ts, 1)

	errs := make(chan error, 1)
	s.OnClose(func(err error) { errs <- err })
	require.NoError(t, s.Connect(context.Background()))

	conn := ts.conn(t)
	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not close")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestDialFailureClosesSocket(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.Close()

	s := New(DefaultConfig(url), "t", 1, WithLogger(logger.Discard()))
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, s.WaitOpen(ctx), ErrClosed)
}
