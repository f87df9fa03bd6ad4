package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curevia/telecall/internal/callerr"
)

// wsTestServer upgrades one connection and plays the given frames to the
// client, then keeps the socket open until the test finishes.
func wsTestServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		// hold the conn open; reads drain client frames
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testContext mirrors Go 1.24's t.Context (a context canceled when the
// test ends) so the tests compile on older toolchains.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func dialTest(t *testing.T, srv *httptest.Server, events Events) *Channel {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(testContext(t), wsURL, "c1", "token-123", 2*time.Second)
	require.NoError(t, err)

	ch := NewChannel("c1", conn, events, zaptest.NewLogger(t))
	t.Cleanup(func() { ch.Close() })
	ch.Start()
	return ch
}

func TestChannelToleratesCandidateBeforeOffer(t *testing.T) {
	srv := wsTestServer(t,
		`{"type":"ice-candidate","candidate":{"candidate":"candidate:1 1 udp ..."}}`,
		`{"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}`,
	)

	var mu sync.Mutex
	var got []string
	events := Events{
		OnOffer:     func(Offer) { mu.Lock(); got = append(got, "offer"); mu.Unlock() },
		OnCandidate: func(ICECandidate) { mu.Lock(); got = append(got, "candidate"); mu.Unlock() },
	}
	dialTest(t, srv, events)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"candidate", "offer"}, got, "delivery keeps transport order")
}

func TestChannelSurvivesGarbageFrames(t *testing.T) {
	srv := wsTestServer(t,
		`not json at all`,
		`{"type":"renegotiate"}`,
		`{"type":"offer"}`,
		`{"type":"call-ended","callId":"c1"}`,
	)

	var mu sync.Mutex
	var ended []string
	events := Events{
		OnCallEnded: func(ev CallEnded) { mu.Lock(); ended = append(ended, ev.CallID); mu.Unlock() },
	}
	dialTest(t, srv, events)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ended) == 1
	}, 2*time.Second, 10*time.Millisecond, "read loop must outlive bad frames")
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	srv := wsTestServer(t)
	ch := dialTest(t, srv, Events{})

	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())

	err := ch.Send(CallEnded{CallID: "c1"})
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindTransportUnavailable))
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := wsTestServer(t)
	ch := dialTest(t, srv, Events{})

	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestDetachStopsDelivery(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ready := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ready <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	var delivered sync.Map
	events := Events{
		OnCallEnded: func(ev CallEnded) { delivered.Store(ev.CallID, true) },
	}
	ch := dialTest(t, srv, events)
	server := <-ready

	ch.Detach()
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"call-ended","callId":"c1"}`)))

	time.Sleep(100 * time.Millisecond)
	_, found := delivered.Load("c1")
	assert.False(t, found, "detached channel must not deliver events")
}

func TestSendWritesEnvelope(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		received <- string(raw)
	}))
	t.Cleanup(srv.Close)

	ch := dialTest(t, srv, Events{})
	require.NoError(t, ch.Send(CallEnded{CallID: "c9"}))

	select {
	case raw := <-received:
		assert.JSONEq(t, `{"type":"call-ended","callId":"c9"}`, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestDialAppendsCallAndToken(t *testing.T) {
	upgrader := websocket.Upgrader{}
	params := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params <- [2]string{r.URL.Query().Get("callId"), r.URL.Query().Get("token")}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(testContext(t), wsURL, "c42", "secret", 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	got := <-params
	assert.Equal(t, "c42", got[0])
	assert.Equal(t, "secret", got[1])
}
