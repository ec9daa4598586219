// ABOUTME: Tests for the stream session state machine and frame decoding.
// ABOUTME: Uses a real websocket test server to script inbound frame sequences.

package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer runs handler against each websocket connection and records the
// Authorization header of the last upgrade request.
type testServer struct {
	*httptest.Server
	authHeader chan string
}

func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{authHeader: make(chan string, 4)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.authHeader <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// collect drains events until the channel closes or the timeout fires.
func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", events)
		}
	}
}

func TestSession_StateTransitions(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // block until client closes
	})

	s := NewSession(Config{URL: srv.wsURL()})
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, StateOpen, s.State())

	// Open is valid only from Idle
	assert.ErrorIs(t, s.Open(context.Background()), ErrAlreadyOpen)

	require.NoError(t, s.Close())
	collect(t, s)
	assert.Equal(t, StateClosed, s.State())

	// Close is idempotent
	require.NoError(t, s.Close())

	// A closed session is terminal
	assert.ErrorIs(t, s.Open(context.Background()), ErrAlreadyOpen)
	assert.ErrorIs(t, s.Send(UserMessage("hi", "")), ErrNotOpen)
}

func TestSession_SendBeforeOpen(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:0"})
	assert.ErrorIs(t, s.Send(UserMessage("hi", "")), ErrNotOpen)
}

func TestSession_BearerHeaderOnDial(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {})

	s := NewSession(Config{URL: srv.wsURL(), AuthToken: "tok-123"})
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	assert.Equal(t, "Bearer tok-123", <-srv.authHeader)
	collect(t, s)
}

func TestSession_DecodesFragmentAndFinalize(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"conversation_created","conversation_id":"c1"}`)
		sendJSON(t, conn, `{"type":"event","payload":{"text":"Hel"}}`)
		sendJSON(t, conn, `{"type":"event","payload":{"text":"lo"}}`)
		sendJSON(t, conn, `{"type":"event","payload":{"is_final":true}}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 5) // conversation, 2 fragments, finalize, closed
	assert.Equal(t, EventConversationAssigned, events[0].Type)
	assert.Equal(t, "c1", events[0].ConversationID)
	assert.Equal(t, EventContentFragment, events[1].Type)
	assert.Equal(t, "Hel", events[1].Text)
	assert.Equal(t, "a1", events[1].Handle)
	assert.Equal(t, "lo", events[2].Text)
	assert.Equal(t, EventFinalize, events[3].Type)
	assert.Equal(t, "a1", events[3].Handle)
	assert.Equal(t, EventClosed, events[4].Type)

	// Finalize cleared the active target
	_, active := s.Active()
	assert.False(t, active)
}

func TestSession_CombinedTextAndFinalPayload(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"text":"all of it","is_final":true}}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, EventContentFragment, events[0].Type)
	assert.Equal(t, "all of it", events[0].Text)
	assert.Equal(t, EventFinalize, events[1].Type)
	assert.Equal(t, "a1", events[1].Handle)
}

func TestSession_DoneFrameFinalizes(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"text":"body"}}`)
		sendJSON(t, conn, `{"type":"done"}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, EventFinalize, events[1].Type)
	assert.Equal(t, "a1", events[1].Handle)
	assert.Equal(t, 0, s.Violations())
}

func TestSession_DoneAfterFinalizeIsBenign(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"text":"x","is_final":true}}`)
		sendJSON(t, conn, `{"type":"done"}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 3) // fragment, finalize, closed — no second finalize
	assert.Equal(t, 0, s.Violations())
}

func TestSession_EventsAfterFinalizeAreViolations(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"is_final":true}}`)
		sendJSON(t, conn, `{"type":"event","payload":{"text":"late"}}`)
		sendJSON(t, conn, `{"type":"event","payload":{"is_final":true}}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 2) // finalize, closed: late events dropped
	assert.Equal(t, EventFinalize, events[0].Type)
	assert.Equal(t, 2, s.Violations())
}

func TestSession_MalformedFramesAreDropped(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{not json`)
		sendJSON(t, conn, `{"type":"mystery"}`)
		sendJSON(t, conn, `{"type":"event"}`)
		sendJSON(t, conn, `{"type":"event","payload":{"text":"still alive"}}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "still alive", events[0].Text)
}

func TestSession_ErrorPayloadCarriesActiveHandle(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"error":"agent blew up"}}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, EventStreamError, events[0].Type)
	assert.Equal(t, "a1", events[0].Handle)
	assert.Equal(t, "agent blew up", events[0].Err)

	_, active := s.Active()
	assert.False(t, active)
}

func TestSession_TopLevelErrorFrame(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"error","message":"invalid message"}`)
	})

	s := NewSession(Config{URL: srv.wsURL()})
	require.NoError(t, s.Open(context.Background()))

	events := collect(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, EventStreamError, events[0].Type)
	assert.Equal(t, "invalid message", events[0].Err)
	assert.Empty(t, events[0].Handle)
}

func TestSession_CloseWhileStreamingAttachesHandle(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		sendJSON(t, conn, `{"type":"event","payload":{"text":"partial"}}`)
		conn.ReadMessage() // hold the connection open
	})

	s := NewSession(Config{URL: srv.wsURL()})
	s.SetActive("a1")
	require.NoError(t, s.Open(context.Background()))

	// Wait for the fragment so Close races nothing
	ev := <-s.Events()
	require.Equal(t, EventContentFragment, ev.Type)

	require.NoError(t, s.Close())
	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, EventClosed, events[0].Type)
	assert.Equal(t, "a1", events[0].Handle)
}

func TestSession_SetActiveReturnsDisplacedHandle(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:0"})

	assert.Empty(t, s.SetActive("a1"))
	assert.Equal(t, "a1", s.SetActive("a2"))

	handle, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "a2", handle)
}

func TestSession_SendWritesUserMessageFrame(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	})

	s := NewSession(Config{URL: srv.wsURL()})
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	require.NoError(t, s.Send(UserMessage("find me a target", "c1")))

	var frame map[string]any
	require.NoError(t, json.Unmarshal(<-received, &frame))
	assert.Equal(t, "user_message", frame["type"])
	assert.Equal(t, "find me a target", frame["content"])
	assert.Equal(t, "c1", frame["conversation_id"])
	collect(t, s)
}

func TestSession_OutboundFrameOmitsEmptyIdentity(t *testing.T) {
	data, err := UserMessage("hello", "").marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "conversation_id")

	data, err = Interrupt().marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"interrupt"}`, string(data))

	data, err = HumanReply("go on").marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"human_reply","content":"go on"}`, string(data))
}

func TestSession_CloseDuringDialFailedDial(t *testing.T) {
	// A listener that accepts but never completes the websocket handshake
	// keeps the dial in flight until its context expires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-stop
		conn.Close()
	}()

	s := NewSession(Config{URL: "ws://" + ln.Addr().String()})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	dialDone := make(chan error, 1)
	go func() { dialDone <- s.Open(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-dialDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after Close")
	}

	// The event channel closed exactly once, and Close stays idempotent.
	_, open := <-s.Events()
	assert.False(t, open)
	assert.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
}
