package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/corefakes"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sendErr error

	mu     sync.Mutex
	frames int
	closed bool
	code   int
}

func (c *fakeConn) Send([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames++
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

func (c *fakeConn) closeCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closed
}

func newOrchestrator(engine core.Engine, observer core.Observer, policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Rooms:       app.NewRoomManager(engine, zerolog.Nop()),
		Observer:    observer,
		Policy:      policy,
		ServiceID:   "svc",
		MediaUnitID: "mu",
		Logger:      zerolog.Nop(),
	}
}

func TestAdmitOpensRoomAndClientSource(t *testing.T) {
	observer := &corefakes.Observer{}
	o := newOrchestrator(corefakes.NewEngine(), observer, app.SimplePolicy{})

	s, err := o.Admit(context.Background(), &fakeConn{}, core.ClientInfo{ClientID: "a", UserID: "u1"}, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.ClientID("a"), s.ID())

	room, ok := o.Rooms.Get("r1")
	require.True(t, ok)
	require.Equal(t, 1, room.ClientCount())

	sources := observer.Sources()
	require.Len(t, sources, 1)
	require.Equal(t, core.ClientSourceInfo{
		ServiceID:   "svc",
		MediaUnitID: "mu",
		RoomID:      "r1",
		CallID:      room.CallID(),
		ClientID:    "a",
		UserID:      "u1",
	}, sources[0].Info)
}

func TestAdmitSameClientReplacesOlderConnection(t *testing.T) {
	o := newOrchestrator(corefakes.NewEngine(), &corefakes.Observer{}, nil)
	first := &fakeConn{}

	_, err := o.Admit(context.Background(), first, core.ClientInfo{ClientID: "a"}, "r1")
	require.NoError(t, err)
	_, err = o.Admit(context.Background(), &fakeConn{}, core.ClientInfo{ClientID: "a"}, "r1")
	require.NoError(t, err)

	code, closed := first.closeCode()
	require.True(t, closed)
	require.Equal(t, protocol.CloseReplaced, code)

	room, _ := o.Rooms.Get("r1")
	require.Equal(t, 1, room.ClientCount())
}

func TestAdmitFailsWhenEngineFails(t *testing.T) {
	engine := corefakes.NewEngine()
	engine.SetCreateErr(errors.New("no workers"))
	o := newOrchestrator(engine, nil, nil)

	_, err := o.Admit(context.Background(), &fakeConn{}, core.ClientInfo{ClientID: "a"}, "r1")
	require.ErrorIs(t, err, app.ErrRoomUnavailable)
}

func getCapabilities(t *testing.T, s *core.ClientSession) {
	t.Helper()
	s.Channel().Receive([]byte(`{"type":"get-router-capabilities-request","requestId":"q1"}`))
}

func TestBackpressureKicksWithSimplePolicy(t *testing.T) {
	o := newOrchestrator(corefakes.NewEngine(), nil, app.SimplePolicy{})
	conn := &fakeConn{sendErr: protocol.ErrBackpressure}

	s, err := o.Admit(context.Background(), conn, core.ClientInfo{ClientID: "a"}, "r1")
	require.NoError(t, err)
	getCapabilities(t, s)

	require.Eventually(t, func() bool {
		code, closed := conn.closeCode()
		return closed && code == protocol.CloseKicked
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := o.Rooms.Get("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestBackpressureDropKeepsClient(t *testing.T) {
	o := newOrchestrator(corefakes.NewEngine(), nil, app.DropPolicy{})
	conn := &fakeConn{sendErr: protocol.ErrBackpressure}

	s, err := o.Admit(context.Background(), conn, core.ClientInfo{ClientID: "a"}, "r1")
	require.NoError(t, err)
	getCapabilities(t, s)

	time.Sleep(20 * time.Millisecond)
	_, closed := conn.closeCode()
	require.False(t, closed)
}

func TestKickAndEvict(t *testing.T) {
	o := newOrchestrator(corefakes.NewEngine(), nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	_, err := o.Admit(context.Background(), a, core.ClientInfo{ClientID: "a"}, "r1")
	require.NoError(t, err)
	_, err = o.Admit(context.Background(), b, core.ClientInfo{ClientID: "b"}, "r1")
	require.NoError(t, err)

	require.False(t, o.Kick("r1", "nobody"))
	require.True(t, o.Kick("r1", "a"))
	code, _ := a.closeCode()
	require.Equal(t, protocol.CloseKicked, code)

	require.True(t, o.EvictRoom("r1"))
	code, closed := b.closeCode()
	require.True(t, closed)
	require.Equal(t, protocol.CloseSelfInitiated, code)
	_, ok := o.Rooms.Get("r1")
	require.False(t, ok)
	require.False(t, o.EvictRoom("r1"))
}

func TestPolicyByName(t *testing.T) {
	require.IsType(t, app.DropPolicy{}, app.PolicyByName("drop"))
	require.IsType(t, app.SimplePolicy{}, app.PolicyByName("kick"))
	require.IsType(t, app.SimplePolicy{}, app.PolicyByName(""))
	require.Equal(t, "drop", app.DropFrame.String())
	require.Equal(t, "kick", app.KickClient.String())
}
