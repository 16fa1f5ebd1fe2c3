package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	err    error
	peer   *Channel
}

func (r *recordingConn) Send(frame []byte) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.frames = append(r.frames, frame)
	peer := r.peer
	r.mu.Unlock()
	if peer != nil {
		go peer.Receive(frame)
	}
	return nil
}

func (r *recordingConn) Close(code int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.code = code
}

func (r *recordingConn) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recordingConn) sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

// pair wires two channels so each one's sends are received by the other.
func pair() (*Channel, *Channel) {
	ca, cb := &recordingConn{}, &recordingConn{}
	a := NewChannel(ca, zerolog.Nop())
	b := NewChannel(cb, zerolog.Nop())
	ca.peer, cb.peer = b, a
	return a, b
}

func TestRequestResolvedByMatchingResponse(t *testing.T) {
	client, server := pair()
	Handle(server, TypeJoinCallRequest, func(req JoinCallRequest) {
		require.NoError(t, server.Send(&JoinCallResponse{Header: ReplyTo(req.Header), CallID: "call-1"}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := Request[JoinCallResponse](ctx, client, &JoinCallRequest{Header: NewHeader(TypeJoinCallRequest)})
	require.NoError(t, err)
	require.EqualValues(t, "call-1", resp.CallID)
	require.Zero(t, client.PendingCount())
}

func TestResponseWithWrongTypeIsDropped(t *testing.T) {
	conn := &recordingConn{}
	ch := NewChannel(conn, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := Request[JoinCallResponse](ctx, ch, &JoinCallRequest{Header: NewHeader(TypeJoinCallRequest)})
		done <- err
	}()

	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, time.Second, 5*time.Millisecond)
	var h Header
	require.NoError(t, json.Unmarshal(conn.sent()[0], &h))

	wrong, _ := json.Marshal(CreateProducerResponse{Header: Header{Type: TypeCreateProducerResponse, RequestID: h.RequestID}})
	ch.Receive(wrong)
	require.Equal(t, 1, ch.PendingCount())

	err := <-done
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, ch.PendingCount())
}

func TestResponseResolvesAtMostOnce(t *testing.T) {
	conn := &recordingConn{}
	ch := NewChannel(conn, zerolog.Nop())

	result := make(chan JoinCallResponse, 1)
	go func() {
		resp, err := Request[JoinCallResponse](context.Background(), ch, &JoinCallRequest{Header: NewHeader(TypeJoinCallRequest)})
		if err == nil {
			result <- resp
		}
	}()
	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, time.Second, 5*time.Millisecond)
	var h Header
	require.NoError(t, json.Unmarshal(conn.sent()[0], &h))

	first, _ := json.Marshal(JoinCallResponse{Header: Header{Type: TypeJoinCallResponse, RequestID: h.RequestID}, CallID: "a"})
	second, _ := json.Marshal(JoinCallResponse{Header: Header{Type: TypeJoinCallResponse, RequestID: h.RequestID}, CallID: "b"})
	ch.Receive(first)
	ch.Receive(second)

	resp := <-result
	require.EqualValues(t, "a", resp.CallID)
}

func TestDispatchByType(t *testing.T) {
	ch := NewChannel(&recordingConn{}, zerolog.Nop())
	var got []string
	Handle(ch, TypeObservedSampleNotification, func(msg ObservedSampleNotification) {
		got = append(got, msg.SampleBase64)
	})

	ch.Receive([]byte(`{"type":"observed-sample-notification","sampleBase64":"AAE="}`))
	ch.Receive([]byte(`{"type":"unknown-notification"}`))
	ch.Receive([]byte(`not json`))
	ch.Receive([]byte(`{"type":"observed-sample-notification","sampleBase64":42}`))

	require.Equal(t, []string{"AAE="}, got)
}

func TestCloseRejectsPendingAndClearsHandlers(t *testing.T) {
	conn := &recordingConn{}
	ch := NewChannel(conn, zerolog.Nop())
	calls := 0
	ch.On(TypeJoinCallRequest, func([]byte) { calls++ })

	closedCallbacks := 0
	ch.OnClose(func() { closedCallbacks++ })

	errs := make(chan error, 1)
	go func() {
		_, err := Request[JoinCallResponse](context.Background(), ch, &JoinCallRequest{Header: NewHeader(TypeJoinCallRequest)})
		errs <- err
	}()
	require.Eventually(t, func() bool { return ch.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	ch.Close()
	ch.Close()

	require.ErrorIs(t, <-errs, ErrChannelClosed)
	require.True(t, ch.Closed())
	require.Equal(t, 1, closedCallbacks)
	require.True(t, conn.isClosed())
	require.Equal(t, CloseSelfInitiated, conn.code)

	ch.Receive([]byte(`{"type":"join-call-request","requestId":"x"}`))
	require.Zero(t, calls)
	require.ErrorIs(t, ch.Send(&JoinCallRequest{Header: NewHeader(TypeJoinCallRequest)}), ErrChannelClosed)

	late := false
	ch.OnClose(func() { late = true })
	require.True(t, late)
}

func TestSendErrorHook(t *testing.T) {
	boom := errors.New("queue full")
	ch := NewChannel(&recordingConn{err: boom}, zerolog.Nop())
	var hooked error
	ch.OnSendError(func(err error) { hooked = err })

	err := ch.Send(&ConsumerClosedNotification{Header: NewHeader(TypeConsumerClosedNotification), ConsumerID: "c1"})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, hooked, boom)
}

func TestRequestRejectsNonRequestType(t *testing.T) {
	ch := NewChannel(&recordingConn{}, zerolog.Nop())
	_, err := Request[JoinCallResponse](context.Background(), ch, &ObservedSampleNotification{Header: NewHeader(TypeObservedSampleNotification)})
	require.ErrorIs(t, err, ErrNotRequest)
}

func TestResponseTypeOf(t *testing.T) {
	require.Equal(t, TypeCreateTransportResponse, ResponseTypeOf(TypeCreateTransportRequest))
	require.True(t, Reconnectable(1006))
	require.False(t, Reconnectable(CloseInvalidRequest))
}
