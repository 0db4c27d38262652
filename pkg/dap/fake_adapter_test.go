/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/microsoft/dapclient/pkg/testutil"
)

const (
	defaultTestTimeout = 20 * time.Second
	pollInterval       = 10 * time.Millisecond
)

// adapterHandler scripts how the fake adapter reacts to a request from the client.
// A handler that does not respond leaves the request pending forever.
type adapterHandler func(fa *fakeAdapter, req dap.RequestMessage)

// adapterEvent is an event with an arbitrary body, sent by the fake adapter.
type adapterEvent struct {
	dap.Event
	Body any `json:"body,omitempty"`
}

// fakeAdapter is the adapter end of a net.Pipe, speaking DAP through the package's own transport.
type fakeAdapter struct {
	transport Transport

	mu       sync.Mutex
	seq      sequenceCounter
	handlers map[string]adapterHandler
	requests []dap.RequestMessage
	replies  []dap.ResponseMessage

	stopped chan struct{}
}

func newFakeAdapter(conn net.Conn) *fakeAdapter {
	fa := &fakeAdapter{
		transport: NewStreamTransport(conn, logr.Discard()),
		handlers:  make(map[string]adapterHandler),
		stopped:   make(chan struct{}),
	}

	fa.handle(CommandInitialize, func(fa *fakeAdapter, req dap.RequestMessage) {
		fa.respond(req, dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsFunctionBreakpoints:      true,
		})
	})
	startDebuggee := func(fa *fakeAdapter, req dap.RequestMessage) {
		fa.emit("initialized", nil)
		fa.respond(req, nil)
	}
	fa.handle(CommandLaunch, startDebuggee)
	fa.handle(CommandAttach, startDebuggee)
	fa.handle(CommandSetBreakpoints, verifyAllBreakpoints)

	go fa.serve()
	return fa
}

func (fa *fakeAdapter) handle(command string, h adapterHandler) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.handlers[command] = h
}

// hang makes the adapter ignore requests for command.
func (fa *fakeAdapter) hang(command string) {
	fa.handle(command, func(*fakeAdapter, dap.RequestMessage) {})
}

func (fa *fakeAdapter) serve() {
	defer close(fa.stopped)

	for {
		msg, err := fa.transport.ReadMessage()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case dap.RequestMessage:
			fa.mu.Lock()
			fa.requests = append(fa.requests, m)
			h := fa.handlers[m.GetRequest().Command]
			fa.mu.Unlock()

			if h != nil {
				h(fa, m)
			} else {
				fa.respond(m, nil)
			}

		case dap.ResponseMessage:
			fa.mu.Lock()
			fa.replies = append(fa.replies, m)
			fa.mu.Unlock()
		}
	}
}

func (fa *fakeAdapter) nextSeq() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.seq.next()
}

func (fa *fakeAdapter) send(msg dap.Message) {
	// Writes fail once either end is closed; tests that care check the session instead.
	_ = fa.transport.WriteMessage(msg)
}

func (fa *fakeAdapter) respond(req dap.RequestMessage, body any) {
	fa.respondTo(req.GetRequest().Seq, req.GetRequest().Command, body)
}

func (fa *fakeAdapter) respondTo(requestSeq int, command string, body any) {
	fa.send(&outgoingResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: fa.nextSeq(), Type: messageTypeResponse},
			RequestSeq:      requestSeq,
			Command:         command,
			Success:         true,
		},
		Body: body,
	})
}

func (fa *fakeAdapter) fail(req dap.RequestMessage, message string) {
	r := req.GetRequest()
	fa.send(&outgoingResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: fa.nextSeq(), Type: messageTypeResponse},
			RequestSeq:      r.Seq,
			Command:         r.Command,
			Success:         false,
			Message:         message,
		},
		Body: dap.ErrorResponseBody{Error: &dap.ErrorMessage{Id: 1, Format: message}},
	})
}

func (fa *fakeAdapter) emit(event string, body any) {
	fa.send(&adapterEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: fa.nextSeq(), Type: messageTypeEvent},
			Event:           event,
		},
		Body: body,
	})
}

// reverse sends a request to the client and returns its sequence number.
func (fa *fakeAdapter) reverse(command string, args any) int {
	seq := fa.nextSeq()
	fa.send(newOutgoingRequest(seq, command, args))
	return seq
}

func (fa *fakeAdapter) commands() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	commands := make([]string, len(fa.requests))
	for i, req := range fa.requests {
		commands[i] = req.GetRequest().Command
	}
	return commands
}

func (fa *fakeAdapter) requestsFor(command string) []dap.RequestMessage {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	var matching []dap.RequestMessage
	for _, req := range fa.requests {
		if req.GetRequest().Command == command {
			matching = append(matching, req)
		}
	}
	return matching
}

func (fa *fakeAdapter) replyTo(seq int) (dap.ResponseMessage, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, r := range fa.replies {
		if r.GetResponse().RequestSeq == seq {
			return r, true
		}
	}
	return nil, false
}

func (fa *fakeAdapter) waitForReply(t *testing.T, ctx context.Context, seq int) dap.ResponseMessage {
	t.Helper()
	var reply dap.ResponseMessage
	waitFor(t, ctx, "reply to reverse request", func() bool {
		var found bool
		reply, found = fa.replyTo(seq)
		return found
	})
	return reply
}

func (fa *fakeAdapter) waitForRequests(t *testing.T, ctx context.Context, command string, count int) []dap.RequestMessage {
	t.Helper()
	var reqs []dap.RequestMessage
	waitFor(t, ctx, "'"+command+"' request", func() bool {
		reqs = fa.requestsFor(command)
		return len(reqs) >= count
	})
	return reqs
}

func (fa *fakeAdapter) close() {
	_ = fa.transport.Close()
}

// verifyAllBreakpoints acknowledges every requested source breakpoint as verified, with ids starting at 100.
func verifyAllBreakpoints(fa *fakeAdapter, req dap.RequestMessage) {
	typed := req.(*dap.SetBreakpointsRequest)
	acks := make([]dap.Breakpoint, len(typed.Arguments.Breakpoints))
	for i, bp := range typed.Arguments.Breakpoints {
		acks[i] = dap.Breakpoint{Id: 100 + i, Verified: true, Line: bp.Line}
	}
	fa.respond(req, dap.SetBreakpointsResponseBody{Breakpoints: acks})
}

func waitFor(t *testing.T, ctx context.Context, what string, cond func() bool) {
	t.Helper()
	err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(_ context.Context) (bool, error) {
		return cond(), nil
	})
	require.NoError(t, err, "timed out waiting for %s", what)
}

// recordingListener captures every notification a session delivers.
type recordingListener struct {
	mu            sync.Mutex
	events        []dap.EventMessage
	transitions   [][2]SessionState
	invalidations []Invalidation
}

func (rl *recordingListener) OnEvent(_ string, ev dap.EventMessage) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.events = append(rl.events, ev)
}

func (rl *recordingListener) OnStateChange(_ string, oldState, newState SessionState) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.transitions = append(rl.transitions, [2]SessionState{oldState, newState})
}

func (rl *recordingListener) OnDataInvalidated(_ string, inv Invalidation) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.invalidations = append(rl.invalidations, inv)
}

func (rl *recordingListener) eventNames() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	names := make([]string, len(rl.events))
	for i, ev := range rl.events {
		names[i] = ev.GetEvent().Event
	}
	return names
}

func (rl *recordingListener) states() []SessionState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	states := make([]SessionState, len(rl.transitions))
	for i, tr := range rl.transitions {
		states[i] = tr[1]
	}
	return states
}

func (rl *recordingListener) invalidated() []Invalidation {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]Invalidation(nil), rl.invalidations...)
}

func (rl *recordingListener) sawEvent(name string) bool {
	for _, n := range rl.eventNames() {
		if n == name {
			return true
		}
	}
	return false
}

var _ Listener = (*recordingListener)(nil)

// newTestSession connects a new session to a fake adapter. The session is terminated when the test ends.
func newTestSession(t *testing.T, config SessionConfig) (*Session, *fakeAdapter) {
	t.Helper()

	clientConn, adapterConn := net.Pipe()
	fa := newFakeAdapter(adapterConn)
	if config.Logger.GetSink() == nil {
		config.Logger = testutil.NewLogForTesting(t.Name())
	}
	s := NewSession(NewStreamTransport(clientConn, config.Logger), config)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Terminate(ctx)
		fa.close()
	})
	return s, fa
}

func testLaunchConfig() LaunchConfig {
	return LaunchConfig{
		Name:    "test",
		Type:    "fake",
		Request: LaunchRequest,
		Arguments: map[string]any{
			"program": "/src/main",
		},
	}
}

// startTestSession returns a session that completed the handshake and is running.
func startTestSession(t *testing.T, ctx context.Context, config SessionConfig) (*Session, *fakeAdapter) {
	t.Helper()
	s, fa := newTestSession(t, config)
	require.NoError(t, s.Start(ctx, testLaunchConfig()))
	require.Equal(t, SessionStateRunning, s.State())
	return s, fa
}

// stopThread makes the fake adapter report that threadID stopped, and waits for the session to notice.
func stopThread(t *testing.T, ctx context.Context, s *Session, fa *fakeAdapter, threadID int, all bool) {
	t.Helper()
	fa.emit("stopped", dap.StoppedEventBody{Reason: "breakpoint", ThreadId: threadID, AllThreadsStopped: all})
	waitFor(t, ctx, "stopped state", func() bool {
		_, found := s.LastStop()
		return found && s.State() == SessionStateStopped
	})
}
