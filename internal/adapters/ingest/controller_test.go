package ingest

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/corefakes"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	url     string
	clock   *clock.Mock
	clients *app.Tracker
	sfus    *app.Tracker

	mu      sync.Mutex
	sources map[string]*corefakes.Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newPingFixture(t, 0)
}

func newPingFixture(t *testing.T, pingPeriod time.Duration) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{clock: clock.NewMock(), sources: make(map[string]*corefakes.Source)}
	factory := func(id app.Identity) (core.SampleSource, error) {
		s := &corefakes.Source{Info: id}
		f.mu.Lock()
		f.sources[id.ID] = s
		f.mu.Unlock()
		return s, nil
	}
	f.clients = app.NewTracker(app.TrackerConfig{Kind: app.KindClient, Grace: time.Minute}, f.clock, factory, zerolog.Nop())
	f.sfus = app.NewTracker(app.TrackerConfig{Kind: app.KindSfu, Grace: time.Minute}, f.clock, factory, zerolog.Nop())

	ctl := NewController(f.clients, f.sfus, 1<<16, pingPeriod, zerolog.Nop())
	r := gin.New()
	r.GET("/", ctl.HandleIngest)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	return f
}

func (f *fixture) source(id string) *corefakes.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[id]
}

func (f *fixture) dial(t *testing.T, subprotocol, query string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	ws, _, err := d.Dial(f.url+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
	return ce.Code
}

const clientQuery = "clientId=c1&roomId=r1&callId=call-1&userId=u1"

func TestClientSamplesReachSource(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, protocol.SubprotocolClientSample, clientQuery)

	frame := base64.StdEncoding.EncodeToString([]byte("stats"))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("%%not-base64%%")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool {
		s := f.source("c1")
		return s != nil && len(s.Samples()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "stats", string(f.source("c1").Samples()[0]))

	id := f.source("c1").Info.(app.Identity)
	require.Equal(t, "r1", id.RoomID)
	require.Equal(t, "call-1", id.CallID)
}

func TestSfuSamplesReachSource(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, protocol.SubprotocolSfuSample, "sfuId=sfu-1")
	frame := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool {
		s := f.source("sfu-1")
		return s != nil && len(s.Samples()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, f.clients.Len())
}

func TestUnknownSubprotocolRejected(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, protocol.CloseInvalidRequest, closeCode(t, f.dial(t, "", clientQuery)))
	require.Equal(t, protocol.CloseInvalidRequest, closeCode(t, f.dial(t, "bogus", clientQuery)))
}

func TestMissingIdentityRejected(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, protocol.SubprotocolClientSample, "clientId=c1&roomId=r1")
	require.Equal(t, protocol.CloseInvalidRequest, closeCode(t, ws))
	require.Equal(t, 0, f.clients.Len())
}

func TestReconnectRebindsAndReplaces(t *testing.T) {
	f := newFixture(t)
	first := f.dial(t, protocol.SubprotocolClientSample, clientQuery)
	require.Eventually(t, func() bool { return f.clients.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.dial(t, protocol.SubprotocolClientSample, clientQuery)
	require.Equal(t, protocol.CloseReplaced, closeCode(t, first))
	require.Equal(t, 1, f.clients.Len())
	require.False(t, f.source("c1").Closed())
}

func TestDisconnectedEntityEvictedAfterGrace(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, protocol.SubprotocolSfuSample, "sfuId=sfu-1")
	require.Eventually(t, func() bool { return f.sfus.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ws.Close())

	// wait until the server has recorded the disconnect
	require.Eventually(t, func() bool {
		f.clock.Add(2 * time.Minute)
		return f.sfus.Check() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, f.source("sfu-1").Closed())
}

func TestSilentConnectionTimesOut(t *testing.T) {
	f := newPingFixture(t, 50*time.Millisecond)
	// never reading means pings are never answered
	f.dial(t, protocol.SubprotocolSfuSample, "sfuId=sfu-1")
	require.Eventually(t, func() bool { return f.sfus.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		f.clock.Add(2 * time.Minute)
		return f.sfus.Check() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, f.source("sfu-1").Closed())
}

func TestAnsweringPongsKeepsConnection(t *testing.T) {
	f := newPingFixture(t, 50*time.Millisecond)
	ws := f.dial(t, protocol.SubprotocolSfuSample, "sfuId=sfu-1")
	// the default ping handler answers while the read loop runs
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return f.sfus.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		f.clock.Add(2 * time.Minute)
		return f.sfus.Check() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
	require.False(t, f.source("sfu-1").Closed())
}
