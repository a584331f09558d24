/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dbgproxy/pkg/testutil"
)

// mockTransport is an in-memory Transport. Inject simulates a message from the remote end,
// Receive returns what the proxy wrote.
type mockTransport struct {
	readChan  chan Message
	readErr   chan error
	writeChan chan Message

	endOnce sync.Once
	closed  atomic.Bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		readChan:  make(chan Message, 100),
		readErr:   make(chan error, 1),
		writeChan: make(chan Message, 100),
	}
}

func (t *mockTransport) ReadMessage() (Message, error) {
	select {
	case msg, ok := <-t.readChan:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-t.readErr:
		return nil, err
	}
}

func (t *mockTransport) WriteMessage(msg Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeChan <- msg
	return nil
}

func (t *mockTransport) Close() error {
	t.closed.Store(true)
	t.endStream()
	return nil
}

func (t *mockTransport) endStream() {
	t.endOnce.Do(func() { close(t.readChan) })
}

// Inject simulates receiving a message from the remote end.
func (t *mockTransport) Inject(msg Message) {
	t.readChan <- msg
}

// Disconnect simulates the remote end closing its stream.
func (t *mockTransport) Disconnect() {
	t.endStream()
}

// Fail makes the next read return err.
func (t *mockTransport) Fail(err error) {
	t.readErr <- err
}

// Receive gets the next message written to this transport.
func (t *mockTransport) Receive(timeout time.Duration) (Message, bool) {
	select {
	case msg := <-t.writeChan:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

type proxyFixture struct {
	ctx      context.Context
	cancel   context.CancelFunc
	client   *mockTransport
	debugger *mockTransport
	proxy    *DebuggerProxy

	disconnectedMu sync.Mutex
	disconnected   []Peer
}

func startProxy(t *testing.T, config ProxyConfig) *proxyFixture {
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	t.Cleanup(cancel)

	f := &proxyFixture{
		ctx:      ctx,
		cancel:   cancel,
		client:   newMockTransport(),
		debugger: newMockTransport(),
	}
	if config.Logger.GetSink() == nil {
		config.Logger = testutil.NewLogForTesting(t.Name())
	}
	f.proxy = NewDebuggerProxy(f.client, f.debugger, config)
	require.NoError(t, f.proxy.Start(ctx, func(peer Peer) {
		f.disconnectedMu.Lock()
		defer f.disconnectedMu.Unlock()
		f.disconnected = append(f.disconnected, peer)
	}))
	require.Equal(t, StateRunning, f.proxy.State())
	return f
}

func (f *proxyFixture) waitDone(t *testing.T) {
	select {
	case <-f.proxy.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
	}
}

func TestProxyRestoresClientSequenceNumbers(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	f.client.Inject(&Request{Seq: 42, Command: "threads"})

	adapterMsg, received := f.debugger.Receive(time.Second)
	require.True(t, received, "debugger should receive request")
	adapterReq, isRequest := adapterMsg.(*Request)
	require.True(t, isRequest)
	assert.Equal(t, "threads", adapterReq.Command)
	assert.NotEqual(t, 42, adapterReq.Seq, "debugger must see the proxy's numbering")

	f.debugger.Inject(&Response{Seq: 100, RequestSeq: adapterReq.Seq, Success: true, Command: "threads"})

	clientMsg, received := f.client.Receive(time.Second)
	require.True(t, received, "client should receive response")
	clientResp, isResponse := clientMsg.(*Response)
	require.True(t, isResponse)
	assert.Equal(t, 42, clientResp.RequestSeq)
	assert.True(t, clientResp.Success)
}

func TestProxyPreservesClientRequestOrder(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	commands := []string{"initialize", "launch", "setBreakpoints", "configurationDone", "threads"}
	for i, cmd := range commands {
		f.client.Inject(&Request{Seq: i + 1, Command: cmd})
	}

	lastSeq := 0
	for _, cmd := range commands {
		msg, received := f.debugger.Receive(time.Second)
		require.True(t, received)
		req := msg.(*Request)
		assert.Equal(t, cmd, req.Command)
		assert.Greater(t, req.Seq, lastSeq)
		lastSeq = req.Seq
	}
}

type recordingRefiner struct {
	responses  atomic.Int32
	events     atomic.Int32
	violations atomic.Int32
}

func (r *recordingRefiner) RefineResponse(_ context.Context, resp *Response, req *Request) Message {
	if resp.Command == "evaluate" || (req != nil && req.Command == "evaluate") {
		r.violations.Add(1)
	}
	r.responses.Add(1)
	return nil
}

func (r *recordingRefiner) RefineEvent(_ context.Context, _ *Event) Message {
	r.events.Add(1)
	return nil
}

func TestProxyInternalRequestsBypassRefiners(t *testing.T) {
	t.Parallel()

	refiner := &recordingRefiner{}
	var clientRefinerCalls atomic.Int32
	f := startProxy(t, ProxyConfig{
		DebuggerRefiner: refiner,
		ClientRefiner: ClientRefinerFunc(func(context.Context, *Request) ClientRequestResult {
			clientRefinerCalls.Add(1)
			return ForwardUnchanged()
		}),
	})

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req, _ := NewRequest(CommandEvaluate, dap.EvaluateArguments{Expression: "1+1"})
		resp, err := f.proxy.RunInternalRequest(f.ctx, req)
		done <- result{resp, err}
	}()

	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received)
	internalReq := msg.(*Request)
	assert.Equal(t, CommandEvaluate, internalReq.Command)

	f.debugger.Inject(&Response{Seq: 1, RequestSeq: internalReq.Seq, Success: true, Command: CommandEvaluate, Body: json.RawMessage(`{"result":"2","variablesReference":0}`)})

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.resp.Success)
	var body dap.EvaluateResponseBody
	require.NoError(t, DecodeBody(r.resp.Body, &body))
	assert.Equal(t, "2", body.Result)

	_, leaked := f.client.Receive(100 * time.Millisecond)
	assert.False(t, leaked, "internal responses must not reach the client")

	// Client traffic still flows through both refiners.
	f.client.Inject(&Request{Seq: 1, Command: "threads"})
	msg, received = f.debugger.Receive(time.Second)
	require.True(t, received)
	f.debugger.Inject(&Response{Seq: 2, RequestSeq: msg.GetSeq(), Success: true, Command: "threads"})
	_, received = f.client.Receive(time.Second)
	require.True(t, received)

	assert.Equal(t, int32(0), refiner.violations.Load())
	assert.Equal(t, int32(1), refiner.responses.Load())
	assert.Equal(t, int32(1), clientRefinerCalls.Load())
}

func TestProxyInternalRequestCancellation(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	reqCtx, reqCancel := context.WithCancel(f.ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := f.proxy.RunInternalRequest(reqCtx, &Request{Command: CommandVariables})
		errCh <- err
	}()

	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received)

	reqCancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled internal request did not return")
	}

	// A late response is ignored, not relayed and not an error.
	f.debugger.Inject(&Response{Seq: 3, RequestSeq: msg.GetSeq(), Success: true, Command: CommandVariables})
	_, leaked := f.client.Receive(100 * time.Millisecond)
	assert.False(t, leaked)
	assert.Equal(t, StateRunning, f.proxy.State())

	// Unknown responses are dropped as well.
	f.debugger.Inject(&Response{Seq: 4, RequestSeq: 9999, Success: true, Command: "threads"})
	_, leaked = f.client.Receive(100 * time.Millisecond)
	assert.False(t, leaked)
	assert.Equal(t, StateRunning, f.proxy.State())
}

func TestProxyInternalRequestRequiresRunningProxy(t *testing.T) {
	t.Parallel()

	proxy := NewDebuggerProxy(newMockTransport(), newMockTransport(), ProxyConfig{})
	_, err := proxy.RunInternalRequest(context.Background(), &Request{Command: "threads"})
	assert.ErrorIs(t, err, ErrProxyNotRunning)
}

// stoppedRefiner issues an internal request while refining an event, which must not
// deadlock the debugger processing loop that delivers the internal response.
type stoppedRefiner struct {
	proxy *DebuggerProxy
}

func (r *stoppedRefiner) RefineResponse(context.Context, *Response, *Request) Message {
	return nil
}

func (r *stoppedRefiner) RefineEvent(ctx context.Context, evt *Event) Message {
	if evt.Event != "stopped" {
		return nil
	}
	resp, err := r.proxy.RunInternalRequest(ctx, &Request{Command: "threads"})
	if err != nil {
		return nil
	}
	return &Event{Seq: evt.Seq, Event: evt.Event, Body: resp.Body}
}

func TestProxyRefinerCanIssueInternalRequests(t *testing.T) {
	t.Parallel()

	refiner := &stoppedRefiner{}
	f := startProxy(t, ProxyConfig{DebuggerRefiner: refiner})
	refiner.proxy = f.proxy

	f.debugger.Inject(&Event{Seq: 10, Event: "stopped", Body: json.RawMessage(`{"reason":"breakpoint"}`)})

	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received, "refiner should issue an internal request")
	f.debugger.Inject(&Response{Seq: 11, RequestSeq: msg.GetSeq(), Success: true, Command: "threads", Body: json.RawMessage(`{"threads":[{"id":1,"name":"main"}]}`)})

	clientMsg, received := f.client.Receive(time.Second)
	require.True(t, received)
	evt := clientMsg.(*Event)
	assert.Equal(t, "stopped", evt.Event)
	assert.Equal(t, 10, evt.Seq)
	assert.JSONEq(t, `{"threads":[{"id":1,"name":"main"}]}`, string(evt.Body))
}

func TestProxyClientRefinerCanReplyLocally(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{
		ClientRefiner: ClientRefinerFunc(func(_ context.Context, req *Request) ClientRequestResult {
			if req.Command != CommandVariables {
				return ForwardUnchanged()
			}
			resp, _ := NewResponse(req, dap.VariablesResponseBody{Variables: []dap.Variable{}})
			return ReplyLocally(resp)
		}),
	})

	f.client.Inject(&Request{Seq: 5, Command: CommandVariables})

	msg, received := f.client.Receive(time.Second)
	require.True(t, received)
	resp := msg.(*Response)
	assert.Equal(t, 5, resp.RequestSeq)
	assert.Equal(t, CommandVariables, resp.Command)
	assert.Greater(t, resp.Seq, localSeqBase)

	_, forwarded := f.debugger.Receive(100 * time.Millisecond)
	assert.False(t, forwarded)
}

func TestProxyLocalRepliesDoNotReuseDebuggerSequenceNumbers(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{
		ClientRefiner: ClientRefinerFunc(func(_ context.Context, req *Request) ClientRequestResult {
			if req.Command != CommandVariables {
				return ForwardUnchanged()
			}
			resp, _ := NewResponse(req, dap.VariablesResponseBody{Variables: []dap.Variable{}})
			return ReplyLocally(resp)
		}),
	})

	seen := map[int]string{}
	record := func(source string) {
		msg, received := f.client.Receive(time.Second)
		require.True(t, received)
		prev, dup := seen[msg.GetSeq()]
		assert.False(t, dup, "seq %d sent by %s was already used by %s", msg.GetSeq(), source, prev)
		seen[msg.GetSeq()] = source
	}

	f.debugger.Inject(&Event{Seq: 1, Event: "initialized"})
	record("debugger")
	f.client.Inject(&Request{Seq: 1, Command: CommandVariables})
	record("proxy")
	f.debugger.Inject(&Event{Seq: 2, Event: "output"})
	record("debugger")
	f.client.Inject(&Request{Seq: 2, Command: CommandVariables})
	record("proxy")

	assert.Len(t, seen, 4)
}

func TestProxyRestoresCommandOfRewrittenRequest(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{
		ClientRefiner: ClientRefinerFunc(func(_ context.Context, req *Request) ClientRequestResult {
			if req.Command != CommandAttach {
				return ForwardUnchanged()
			}
			return ForwardModified(&Request{Command: CommandLaunch, Arguments: json.RawMessage(`{"program":"app.dll"}`)})
		}),
	})

	f.client.Inject(&Request{Seq: 2, Command: CommandAttach, Arguments: json.RawMessage(`{}`)})

	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received)
	launch := msg.(*Request)
	assert.Equal(t, CommandLaunch, launch.Command)

	f.debugger.Inject(&Response{Seq: 1, RequestSeq: launch.Seq, Success: true, Command: CommandLaunch})

	msg, received = f.client.Receive(time.Second)
	require.True(t, received)
	resp := msg.(*Response)
	assert.Equal(t, 2, resp.RequestSeq)
	assert.Equal(t, CommandAttach, resp.Command)
}

func TestProxyCompletesWhenClientDisconnects(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	f.client.Inject(&Request{Seq: 1, Command: "disconnect"})
	f.client.Disconnect()

	// Requests already read are still delivered.
	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received)
	assert.Equal(t, "disconnect", msg.(*Request).Command)

	f.waitDone(t)
	assert.Equal(t, StateCompleted, f.proxy.State())
	assert.NoError(t, f.proxy.Err())

	f.disconnectedMu.Lock()
	defer f.disconnectedMu.Unlock()
	assert.Equal(t, []Peer{PeerClient}, f.disconnected)
}

func TestProxyCompletesWhenDebuggerExits(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	f.debugger.Inject(&Event{Seq: 1, Event: "terminated"})
	f.debugger.Disconnect()

	msg, received := f.client.Receive(time.Second)
	require.True(t, received)
	assert.Equal(t, "terminated", msg.(*Event).Event)

	f.waitDone(t)
	assert.Equal(t, StateCompleted, f.proxy.State())
}

// retryingRefiner issues a second internal request after the first one fails, the way a
// value conversion moves on to the next child group.
type retryingRefiner struct {
	proxy *DebuggerProxy
	errs  chan error
}

func (r *retryingRefiner) RefineResponse(context.Context, *Response, *Request) Message {
	return nil
}

func (r *retryingRefiner) RefineEvent(ctx context.Context, evt *Event) Message {
	if evt.Event != "stopped" {
		return nil
	}
	_, err := r.proxy.RunInternalRequest(ctx, &Request{Command: "threads"})
	r.errs <- err
	_, err = r.proxy.RunInternalRequest(ctx, &Request{Command: "stackTrace"})
	r.errs <- err
	return nil
}

func TestProxyCompletesWhenDebuggerExitsDuringInternalRequests(t *testing.T) {
	t.Parallel()

	refiner := &retryingRefiner{errs: make(chan error, 2)}
	f := startProxy(t, ProxyConfig{DebuggerRefiner: refiner})
	refiner.proxy = f.proxy

	f.debugger.Inject(&Event{Seq: 1, Event: "stopped", Body: json.RawMessage(`{"reason":"step"}`)})

	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received, "refiner should issue an internal request")
	assert.Equal(t, "threads", msg.(*Request).Command)

	f.debugger.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case err := <-refiner.errs:
			assert.True(t, IsProxyError(err), "unexpected error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("internal request still waiting after the debugger stream ended")
		}
	}

	f.waitDone(t)
	assert.Equal(t, StateCompleted, f.proxy.State())
	assert.Equal(t, 0, f.proxy.tracker.Len())
}

func TestProxyCancelledByContext(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.proxy.RunInternalRequest(context.Background(), &Request{Command: "threads"})
		errCh <- err
	}()
	_, received := f.debugger.Receive(time.Second)
	require.True(t, received)

	f.cancel()
	f.waitDone(t)

	assert.Equal(t, StateCancelled, f.proxy.State())
	assert.ErrorIs(t, f.proxy.Wait(), context.Canceled)

	select {
	case err := <-errCh:
		assert.True(t, IsProxyError(err), "unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("pending internal request was not released at teardown")
	}

	_, err := f.proxy.RunInternalRequest(context.Background(), &Request{Command: "threads"})
	assert.ErrorIs(t, err, ErrProxyNotRunning)
}

func TestProxyFaultsOnMalformedStream(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})

	f.debugger.Fail(errors.Join(ErrMalformedMessage, errors.New("bad header")))

	f.waitDone(t)
	assert.Equal(t, StateFaulted, f.proxy.State())
	assert.ErrorIs(t, f.proxy.Err(), ErrMalformedMessage)
}

func TestProxyCannotStartTwice(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{})
	assert.Error(t, f.proxy.Start(f.ctx, nil))
}

func TestProxyContainsRefinerPanics(t *testing.T) {
	t.Parallel()

	f := startProxy(t, ProxyConfig{
		ClientRefiner: ClientRefinerFunc(func(context.Context, *Request) ClientRequestResult {
			panic("client refiner bug")
		}),
		DebuggerRefiner: &panickingRefiner{},
	})

	f.client.Inject(&Request{Seq: 3, Command: "threads"})
	msg, received := f.debugger.Receive(time.Second)
	require.True(t, received, "request is forwarded unchanged when the refiner panics")

	f.debugger.Inject(&Response{Seq: 1, RequestSeq: msg.GetSeq(), Success: true, Command: "threads"})
	msg, received = f.client.Receive(time.Second)
	require.True(t, received, "response is forwarded unchanged when the refiner panics")
	assert.Equal(t, 3, msg.(*Response).RequestSeq)
	assert.Equal(t, StateRunning, f.proxy.State())
}

type panickingRefiner struct{}

func (panickingRefiner) RefineResponse(context.Context, *Response, *Request) Message {
	panic("response refiner bug")
}

func (panickingRefiner) RefineEvent(context.Context, *Event) Message {
	panic("event refiner bug")
}
