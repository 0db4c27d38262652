/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/dapclient/pkg/resiliency"
)

// responseEffect updates session state for a resolved request. It runs with the session lock held
// and returns the listener notifications the update produced.
type responseEffect func(resp dap.Message, err error) []notification

type requestOptions struct {
	timeout     time.Duration
	timeoutSet  bool
	bypassState bool
}

// RequestOption customizes a single request.
type RequestOption func(*requestOptions)

// WithTimeout overrides the deadline of a request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithoutTimeout lets a request wait for its response indefinitely.
func WithoutTimeout() RequestOption {
	return WithTimeout(0)
}

func withStateBypass() RequestOption {
	return func(o *requestOptions) {
		o.bypassState = true
	}
}

var longRunningCommands = commandSet(
	CommandLaunch,
	CommandAttach,
	CommandRestart,
	CommandEvaluate,
	CommandGoto,
	CommandRestartFrame,
	CommandContinue,
	CommandNext,
	CommandStepIn,
	CommandStepOut,
	CommandStepBack,
	CommandReverseContinue,
)

// Session is a conversation with one debug adapter over one transport.
//
// Three goroutines serve a session: a reader that decodes messages from the transport,
// a writer that drains the outbound queue, and a loop that applies inbound messages,
// timeouts and notifications in order. Listener callbacks run on the loop.
type Session struct {
	id       string
	parentID string
	config   SessionConfig
	log      logr.Logger
	tracer   trace.Tracer

	transport  Transport
	table      *correlationTable
	responder  *reverseResponder
	dispatcher *eventDispatcher

	inbox  *chanx.UnboundedChan[func()]
	outbox *chanx.UnboundedChan[dap.Message]

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc
	done           chan struct{}
	doneOnce       sync.Once
	shutdownOnce   sync.Once

	// configReady is closed when the adapter sends the 'initialized' event.
	configReady chan struct{}

	// mu protects the fields below. It is never held while waiting on the adapter or calling listeners.
	mu                sync.Mutex
	seq               sequenceCounter
	state             SessionState
	capabilities      dap.Capabilities
	launchRequest     string
	configReadyClosed bool
	terminating       bool
	finished          bool
	termErr           error
	process           *dap.ProcessEventBody
	exitCode          *int
	model             *runtimeModel
	breakpoints       *breakpointStore
}

// NewSession creates a session over transport and starts serving it.
// The session does not talk to the adapter until the first request is sent (see Start).
func NewSession(transport Transport, config SessionConfig) *Session {
	config = config.withDefaults()
	id := config.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := config.Logger.WithValues("sessionID", id)

	lifetimeCtx, lifetimeCancel := context.WithCancel(context.Background())
	s := &Session{
		id:             id,
		parentID:       config.ParentID,
		config:         config,
		log:            log,
		tracer:         config.TracerProvider.Tracer(tracerName),
		transport:      transport,
		responder:      newReverseResponder(config.ReverseHandlers),
		dispatcher:     newEventDispatcher(id, log),
		inbox:          chanx.NewUnboundedChan[func()](lifetimeCtx, config.OutboxCapacity),
		outbox:         chanx.NewUnboundedChan[dap.Message](lifetimeCtx, config.OutboxCapacity),
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		done:           make(chan struct{}),
		configReady:    make(chan struct{}),
		state:          SessionStateUninitialized,
		model:          newRuntimeModel(),
		breakpoints:    newBreakpointStore(log),
	}
	s.table = newCorrelationTable(log, s.post)
	for _, l := range config.Listeners {
		s.dispatcher.subscribe(l)
	}

	go s.loop()
	go s.writeLoop()
	go s.readLoop()

	log.Info("Debug session created", "parentID", s.parentID)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// ParentID returns the ID of the session that spawned this one, or an empty string.
func (s *Session) ParentID() string {
	return s.parentID
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the adapter capabilities reported so far.
func (s *Session) Capabilities() dap.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Done returns a channel that is closed when the session has ended and its transport is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is still active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Subscribe registers a listener and returns a function that unregisters it.
func (s *Session) Subscribe(l Listener) func() {
	return s.dispatcher.subscribe(l)
}

// HandleReverse registers the handler for an adapter-initiated request. A nil handler removes it.
func (s *Session) HandleReverse(command string, h ReverseHandler) {
	s.responder.register(command, h)
}

// Process returns the debuggee process information from the 'process' event, if one was received.
func (s *Session) Process() (dap.ProcessEventBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil {
		return dap.ProcessEventBody{}, false
	}
	return *s.process, true
}

// ExitCode returns the debuggee exit code from the 'exited' event, if one was received.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Send issues a request and returns its handle without waiting for the response.
// If the request is not allowed in the current state, an *InvalidStateError is returned
// and nothing is written to the transport.
func (s *Session) Send(command string, args any, opts ...RequestOption) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(command, args, opts, nil)
}

// Request issues a request and waits for its response.
func (s *Session) Request(ctx context.Context, command string, args any, opts ...RequestOption) (dap.Message, error) {
	return callWithTelemetry(ctx, s.tracer, "dap.request "+command, func(ctx context.Context) (dap.Message, error) {
		call, err := s.Send(command, args, opts...)
		if err != nil {
			return nil, err
		}
		trace.SpanFromContext(ctx).SetAttributes(attrSeq.Int(call.Seq))
		return call.Wait(ctx)
	}, attrSessionID.String(s.id), attrCommand.String(command))
}

// Terminate ends the session: it asks the adapter to disconnect (if the session is live),
// waits up to the configured terminate timeout for the acknowledgment, and closes the transport.
// Requests still pending fail with ErrSessionTerminated. Calling Terminate again is a no-op.
func (s *Session) Terminate(ctx context.Context) error {
	s.beginShutdown()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sendLocked(command string, args any, opts []RequestOption, effect responseEffect) (*Call, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if s.finished || (!o.bypassState && (s.terminating || !commandAllowed(s.state, command))) {
		return nil, &InvalidStateError{Command: command, State: s.state}
	}

	seq := s.seq.next()
	call := newCall(seq, command, s.table.cancel)
	p := &pendingRequest{
		seq:     seq,
		command: command,
		call:    call,
		settle:  s.settler(command, effect),
	}
	if err := s.table.add(p, s.timeoutFor(command, o)); err != nil {
		return nil, err
	}

	// Listeners must observe send-triggered transitions before anything caused by the response,
	// so the notification is queued ahead of the request.
	s.postNotifications(s.applySendLocked(command))

	if !s.enqueue(newOutgoingRequest(seq, command, args)) {
		s.table.take(seq)
		return nil, fmt.Errorf("%w: cannot send '%s'", ErrSessionTerminated, command)
	}

	s.log.V(1).Info("Sending request", "seq", seq, "command", command)
	return call, nil
}

func (s *Session) timeoutFor(command string, o requestOptions) time.Duration {
	switch {
	case o.timeoutSet:
		return o.timeout
	case longRunningCommands[command]:
		return s.config.LongRunningTimeout
	case s.config.DefaultTimeout < 0:
		return 0
	default:
		return s.config.DefaultTimeout
	}
}

func (s *Session) applySendLocked(command string) []notification {
	switch command {
	case CommandInitialize:
		return s.transitionLocked(SessionStateInitializing)
	case CommandLaunch, CommandAttach:
		s.launchRequest = command
		return s.transitionLocked(SessionStateConfiguring)
	default:
		return nil
	}
}

func (s *Session) settler(command string, effect responseEffect) settleFunc {
	return func(resp dap.Message, err error) {
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return
		}
		notes := s.applyResponseLocked(command, resp, err)
		if effect != nil {
			notes = append(notes, effect(resp, err)...)
		}
		initFailed := command == CommandInitialize && s.state == SessionStateFailed
		s.mu.Unlock()

		s.dispatcher.deliver(notes)

		if initFailed {
			reason := fmt.Errorf("debug adapter initialization failed: %w", err)
			if !s.post(func() { s.finish(reason) }) {
				s.log.V(1).Info("Session loop already stopped", "reason", reason.Error())
			}
		}
	}
}

func (s *Session) applyResponseLocked(command string, resp dap.Message, err error) []notification {
	switch {
	case command == CommandInitialize:
		if err != nil {
			if s.state == SessionStateInitializing {
				return s.transitionLocked(SessionStateFailed)
			}
			return nil
		}
		s.capabilities = capabilitiesFrom(resp)
		if s.state == SessionStateInitializing {
			return s.transitionLocked(SessionStateInitialized)
		}

	case command == CommandConfigurationDone && err == nil:
		if s.state == SessionStateConfiguring {
			return s.transitionLocked(SessionStateRunning)
		}

	case resumingCommands[command] && err == nil:
		notes := []notification{invalidationNote(s.model.onResumed(0, true))}
		if s.state == SessionStateStopped {
			notes = append(notes, s.transitionLocked(SessionStateRunning)...)
		}
		return notes
	}

	return nil
}

func (s *Session) transitionLocked(newState SessionState) []notification {
	oldState := s.state
	if oldState == newState || oldState.IsFinal() {
		return nil
	}

	s.state = newState
	s.log.V(1).Info("Session state changed",
		"oldState", oldState.String(),
		"newState", newState.String())
	return []notification{stateNote(oldState, newState)}
}

func capabilitiesFrom(resp dap.Message) dap.Capabilities {
	switch r := resp.(type) {
	case *dap.InitializeResponse:
		return r.Body
	case *UnknownResponse:
		var caps dap.Capabilities
		if len(r.Body) > 0 {
			_ = json.Unmarshal(r.Body, &caps)
		}
		return caps
	default:
		return dap.Capabilities{}
	}
}

// mergeCapabilities applies a 'capabilities' event. Only attributes present in the event change.
func mergeCapabilities(dst *dap.Capabilities, delta dap.Capabilities) {
	data, err := json.Marshal(delta)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}

// post runs f on the session loop. Returns false if the loop has stopped.
func (s *Session) post(f func()) bool {
	if s.lifetimeCtx.Err() != nil {
		return false
	}

	select {
	case s.inbox.In <- f:
		return true
	case <-s.lifetimeCtx.Done():
		return false
	}
}

func (s *Session) postNotifications(notes []notification) {
	if len(notes) == 0 {
		return
	}
	_ = s.post(func() { s.dispatcher.deliver(notes) })
}

func (s *Session) enqueue(msg dap.Message) bool {
	if s.lifetimeCtx.Err() != nil {
		return false
	}

	select {
	case s.outbox.In <- msg:
		return true
	case <-s.lifetimeCtx.Done():
		return false
	}
}

func (s *Session) loop() {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			s.abandon(panicErr)
		}
	}()

	for {
		select {
		case f, isOpen := <-s.inbox.Out:
			if !isOpen {
				return
			}
			f()
		case <-s.lifetimeCtx.Done():
			return
		}
	}
}

func (s *Session) readLoop() {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			_ = s.post(func() { s.finish(panicErr) })
		}
	}()

	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			reason := readErr
			var framingErr *FramingError
			switch {
			case errors.As(readErr, &framingErr):
				s.log.Error(readErr, "Received malformed data from the debug adapter")
				reason = fmt.Errorf("%w: %w", ErrAdapterDisconnected, readErr)
			case errors.Is(readErr, ErrTransportClosed), errors.Is(readErr, ErrAdapterDisconnected):
				s.log.V(1).Info("Debug adapter stream closed", "reason", readErr.Error())
			default:
				s.log.Error(readErr, "Failed to read from the debug adapter")
				reason = fmt.Errorf("%w: %w", ErrAdapterDisconnected, readErr)
			}
			_ = s.post(func() { s.finish(reason) })
			return
		}

		if s.log.V(1).Enabled() {
			kind, name := describeMessage(msg)
			s.log.V(1).Info("Received message", "seq", msg.GetSeq(), "type", kind, "name", name)
		}
		if !s.post(func() { s.handleMessage(msg) }) {
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg, isOpen := <-s.outbox.Out:
			if !isOpen {
				return
			}
			if writeErr := s.transport.WriteMessage(msg); writeErr != nil {
				if s.lifetimeCtx.Err() == nil {
					s.log.Error(writeErr, "Failed to write to the debug adapter")
				}
				reason := writeErr
				if !errors.Is(writeErr, ErrAdapterDisconnected) {
					reason = fmt.Errorf("%w: %w", ErrAdapterDisconnected, writeErr)
				}
				_ = s.post(func() { s.finish(reason) })
				return
			}
		case <-s.lifetimeCtx.Done():
			return
		}
	}
}

func (s *Session) handleMessage(msg dap.Message) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		s.table.resolve(m)
	case dap.EventMessage:
		s.handleEvent(m)
	case dap.RequestMessage:
		s.handleReverseRequest(m)
	default:
		s.log.Info("Ignoring message of unexpected kind", "seq", msg.GetSeq(), "reason", ErrProtocolAnomaly.Error())
	}
}

func (s *Session) handleEvent(ev dap.EventMessage) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	notes, ended := s.applyEventLocked(ev)
	s.mu.Unlock()

	s.dispatcher.deliver(append(notes, eventNote(ev)))

	if ended {
		s.beginShutdown()
	}
}

// applyEventLocked updates the session for an adapter event.
// The second result is true when the event means the debuggee is gone.
func (s *Session) applyEventLocked(ev dap.EventMessage) ([]notification, bool) {
	var notes []notification

	switch e := ev.(type) {
	case *dap.InitializedEvent:
		if !s.configReadyClosed {
			s.configReadyClosed = true
			close(s.configReady)
		}

	case *dap.StoppedEvent:
		notes = append(notes, invalidationNote(s.model.onStopped(e.Body)))
		switch s.state {
		case SessionStateInitialized, SessionStateConfiguring, SessionStateRunning:
			notes = append(notes, s.transitionLocked(SessionStateStopped)...)
		}

	case *dap.ContinuedEvent:
		notes = append(notes, invalidationNote(s.model.onResumed(e.Body.ThreadId, e.Body.AllThreadsContinued)))
		if s.state == SessionStateStopped && !s.model.anyThreadStopped() {
			notes = append(notes, s.transitionLocked(SessionStateRunning)...)
		}

	case *dap.ThreadEvent:
		notes = append(notes, invalidationNote(s.model.onThreadEvent(e.Body)))

	case *dap.ExitedEvent:
		exitCode := e.Body.ExitCode
		s.exitCode = &exitCode
		notes = append(notes, s.transitionLocked(SessionStateTerminated)...)
		return notes, true

	case *dap.TerminatedEvent:
		notes = append(notes, s.transitionLocked(SessionStateTerminated)...)
		return notes, true

	case *dap.BreakpointEvent:
		if s.breakpoints.onEvent(e.Body) {
			notes = append(notes, invalidationNote(Invalidation{Areas: []string{InvalidatedBreakpoints}}))
		}

	case *dap.ModuleEvent:
		notes = append(notes, invalidationNote(s.model.onModuleEvent(e.Body)))

	case *dap.CapabilitiesEvent:
		mergeCapabilities(&s.capabilities, e.Body.Capabilities)

	case *dap.InvalidatedEvent:
		notes = append(notes, invalidationNote(s.model.onInvalidated(e.Body)))

	case *dap.ProcessEvent:
		process := e.Body
		s.process = &process
	}

	return notes, false
}

func (s *Session) handleReverseRequest(msg dap.RequestMessage) {
	r := msg.GetRequest()
	req := &ReverseRequest{
		Seq:       r.Seq,
		Command:   r.Command,
		Arguments: rawArguments(msg),
		Message:   msg,
		Session:   s,
	}

	h, found := s.responder.lookup(r.Command)
	if !found {
		s.log.Info("Received unsupported reverse request",
			"seq", r.Seq,
			"command", r.Command,
			"supported", s.responder.commands(),
			"reason", ErrProtocolAnomaly.Error())
		s.reply(req, nil, fmt.Errorf("unsupported reverse request '%s'", r.Command))
		return
	}

	go func() {
		body, err := s.responder.invoke(s.lifetimeCtx, h, req, s.log)
		if err != nil {
			s.log.Info("Reverse request failed", "seq", req.Seq, "command", req.Command, "error", err.Error())
		}
		s.reply(req, body, err)
	}()
}

func (s *Session) reply(req *ReverseRequest, body any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		s.log.V(1).Info("Session ended before reverse request was answered", "seq", req.Seq, "command", req.Command)
		return
	}

	resp := newOutgoingResponse(s.seq.next(), req, body, err)
	if s.enqueue(resp) {
		s.log.V(1).Info("Answering reverse request", "seq", resp.Seq, "requestSeq", req.Seq, "command", req.Command, "success", resp.Success)
	}
}

func (s *Session) beginShutdown() {
	s.shutdownOnce.Do(func() {
		go s.shutdown()
	})
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.terminating = true
	var call *Call
	if !s.finished && s.state != SessionStateUninitialized && s.state != SessionStateFailed {
		args := &dap.DisconnectArguments{TerminateDebuggee: s.launchRequest != AttachRequest}
		var err error
		call, err = s.sendLocked(CommandDisconnect, args, []RequestOption{WithTimeout(s.config.TerminateTimeout), withStateBypass()}, nil)
		if err != nil {
			s.log.V(1).Info("Could not ask the debug adapter to disconnect", "error", err.Error())
		}
	}
	s.mu.Unlock()

	if call != nil {
		select {
		case <-call.Done():
		case <-s.done:
		}
	}

	_ = s.post(func() { s.finish(ErrSessionTerminated) })
}

// finish ends the session. It runs on the loop and is idempotent.
func (s *Session) finish(reason error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	if s.terminating && errors.Is(reason, ErrAdapterDisconnected) {
		reason = ErrSessionTerminated
	}
	s.termErr = reason
	notes := s.transitionLocked(SessionStateTerminated)
	finalState := s.state
	s.model.reset()
	s.mu.Unlock()

	s.table.failAll(reason)
	if closeErr := s.transport.Close(); closeErr != nil {
		s.log.V(1).Info("Error closing debug adapter transport", "error", closeErr.Error())
	}
	s.dispatcher.deliver(notes)

	s.log.Info("Debug session ended", "state", finalState.String(), "reason", reason.Error())
	s.lifetimeCancel()
	s.doneOnce.Do(func() { close(s.done) })
}

// abandon tears the session down after an internal failure on the loop.
func (s *Session) abandon(reason error) {
	s.mu.Lock()
	alreadyFinished := s.finished
	s.finished = true
	if !alreadyFinished {
		s.termErr = reason
		s.state = SessionStateTerminated
	}
	s.mu.Unlock()

	if !alreadyFinished {
		s.table.failAll(reason)
		_ = s.transport.Close()
	}
	s.lifetimeCancel()
	s.doneOnce.Do(func() { close(s.done) })
}
