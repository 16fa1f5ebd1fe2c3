package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core/corefakes"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type harness struct {
	url    string
	engine *corefakes.Engine
	orch   *orch.Orchestrator
}

func newHarness(t *testing.T, limiter *JoinRateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := corefakes.NewEngine()
	o := &orch.Orchestrator{
		Rooms:  app.NewRoomManager(engine, zerolog.Nop()),
		Policy: app.SimplePolicy{},
		Logger: zerolog.Nop(),
	}
	ctl := NewSignalWSController(o, limiter, PumpConfig{ReadLimit: 1 << 16, SendQueue: 8}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/", engine: engine, orch: o}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func closeCodeOf(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestMissingQueryClosesInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, protocol.CloseInvalidRequest, closeCodeOf(t, h.dial(t, "roomId=r1")))
	require.Equal(t, protocol.CloseInvalidRequest, closeCodeOf(t, h.dial(t, "clientId=a")))
	require.Equal(t, 0, h.engine.CreateRouterCalls())
}

func TestOverlongIDClosesInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "roomId=r1&clientId="+strings.Repeat("x", 200))
	require.Equal(t, protocol.CloseInvalidRequest, closeCodeOf(t, ws))
}

func TestRoomUnavailableCloses4002(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetCreateErr(errors.New("engine down"))
	require.Equal(t, protocol.CloseRoomUnavailable, closeCodeOf(t, h.dial(t, "roomId=r1&clientId=a")))
}

func TestJoinRateLimitCloses4001(t *testing.T) {
	h := newHarness(t, NewJoinRateLimiter(1, time.Minute, clock.NewMock()))
	h.dial(t, "roomId=r1&clientId=a")
	require.Eventually(t, func() bool {
		room, ok := h.orch.Rooms.Get("r1")
		return ok && room.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := h.dial(t, "roomId=r1&clientId=a")
	require.Equal(t, protocol.CloseInvalidRequest, closeCodeOf(t, second))
}

func TestRequestResponseOverWebsocket(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "roomId=r1&clientId=a&userId=u1")

	req := `{"type":"get-router-capabilities-request","requestId":"q1"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var resp protocol.GetRouterCapabilitiesResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, protocol.TypeGetRouterCapabilitiesResponse, resp.Type)
	require.Equal(t, "q1", resp.RequestID)
	require.Equal(t, corefakes.Capabilities, resp.RtpCapabilities)
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "roomId=r1&clientId=a")
	require.Eventually(t, func() bool {
		_, ok := h.orch.Rooms.Get("r1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(protocol.CloseSelfInitiated, "bye")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		_, ok := h.orch.Rooms.Get("r1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTakeoverClosesOlderSocketWithReplaced(t *testing.T) {
	h := newHarness(t, nil)
	first := h.dial(t, "roomId=r1&clientId=a")
	require.Eventually(t, func() bool {
		room, ok := h.orch.Rooms.Get("r1")
		return ok && room.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.dial(t, "roomId=r1&clientId=a")
	require.Equal(t, protocol.CloseReplaced, closeCodeOf(t, first))
}

func TestJoinRateLimiterWindow(t *testing.T) {
	mock := clock.NewMock()
	rl := NewJoinRateLimiter(2, 10*time.Second, mock)

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))

	mock.Add(11 * time.Second)
	require.True(t, rl.Allow("a"))

	mock.Add(11 * time.Second)
	rl.Prune()
	require.Equal(t, 0, rl.Len())
}
