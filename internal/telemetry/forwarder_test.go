package telemetry

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type accepted struct {
	subprotocol string
	query       url.Values
	frames      chan string
}

func observerStub(t *testing.T) (string, chan *accepted) {
	t.Helper()
	conns := make(chan *accepted, 4)
	upgrader := websocket.Upgrader{
		Subprotocols: []string{protocol.SubprotocolClientSample, protocol.SubprotocolSfuSample},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a := &accepted{subprotocol: ws.Subprotocol(), query: r.URL.Query(), frames: make(chan string, 16)}
		conns <- a
		go func() {
			defer close(a.frames)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				a.frames <- string(data)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func nextConn(t *testing.T, conns chan *accepted) *accepted {
	t.Helper()
	select {
	case a := <-conns:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("observer saw no connection")
		return nil
	}
}

func TestForwarderClientSource(t *testing.T) {
	u, conns := observerStub(t)
	cfg := link.DefaultConfig(u)
	cfg.ResendPace = 10 * time.Millisecond
	f := NewForwarder(cfg, zerolog.Nop())

	src, err := f.CreateClientSource(core.ClientSourceInfo{
		ServiceID:   "svc",
		MediaUnitID: "mu",
		RoomID:      "r1",
		CallID:      "call-1",
		ClientID:    "c1",
		UserID:      "u1",
	})
	require.NoError(t, err)
	require.NoError(t, src.Accept([]byte("sample-1")))

	a := nextConn(t, conns)
	require.Equal(t, protocol.SubprotocolClientSample, a.subprotocol)
	require.Equal(t, "c1", a.query.Get("clientId"))
	require.Equal(t, "r1", a.query.Get("roomId"))
	require.Equal(t, "call-1", a.query.Get("callId"))
	require.Equal(t, "u1", a.query.Get("userId"))
	require.Equal(t, "svc", a.query.Get("serviceId"))
	require.Equal(t, "mu", a.query.Get("mediaUnitId"))

	select {
	case frame := <-a.frames:
		decoded, err := base64.StdEncoding.DecodeString(frame)
		require.NoError(t, err)
		require.Equal(t, "sample-1", string(decoded))
	case <-time.After(2 * time.Second):
		t.Fatal("no sample forwarded")
	}

	src.Close()
	require.ErrorIs(t, src.Accept([]byte("late")), ErrSourceClosed)
}

func TestForwarderSfuSource(t *testing.T) {
	u, conns := observerStub(t)
	f := NewForwarder(link.DefaultConfig(u), zerolog.Nop())

	src, err := f.CreateSfuSource(core.SfuSourceInfo{SfuID: "sfu-1", ServiceID: "svc", MediaUnitID: "mu"})
	require.NoError(t, err)
	defer src.Close()

	a := nextConn(t, conns)
	require.Equal(t, protocol.SubprotocolSfuSample, a.subprotocol)
	require.Equal(t, "sfu-1", a.query.Get("sfuId"))
}
