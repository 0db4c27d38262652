/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/dapclient/pkg/resiliency"
)

// ChildPolicy determines what happens to child sessions when their parent ends.
type ChildPolicy int

const (
	// ChildPolicyTerminate terminates child sessions together with their parent.
	ChildPolicyTerminate ChildPolicy = iota
	// ChildPolicyDetach lets child sessions outlive their parent as root sessions.
	ChildPolicyDetach
)

// String returns a human-readable representation of the policy.
func (p ChildPolicy) String() string {
	switch p {
	case ChildPolicyTerminate:
		return "terminate"
	case ChildPolicyDetach:
		return "detach"
	default:
		return "unknown"
	}
}

// StartDebuggingArguments are the arguments of the 'startDebugging' reverse request.
type StartDebuggingArguments struct {
	Configuration map[string]any `json:"configuration"`
	Request       string         `json:"request"`
}

// ChildTransportFactory connects to the adapter instance that will serve a child session.
// Returned errors are retried with back-off unless wrapped with resiliency.Permanent.
type ChildTransportFactory func(ctx context.Context, parent *Session, args StartDebuggingArguments) (Transport, error)

// RegistryConfig contains configuration for the Registry.
type RegistryConfig struct {
	// Logger for registry operations. Sessions created without their own logger use it too.
	Logger logr.Logger

	// ChildPolicy determines what happens to child sessions when their parent ends.
	ChildPolicy ChildPolicy

	// ChildTransportFactory provides transports for sessions requested through 'startDebugging'.
	// If nil, 'startDebugging' requests are answered with an error.
	ChildTransportFactory ChildTransportFactory

	// SessionDefaults is the configuration template for child sessions.
	SessionDefaults SessionConfig

	// ChildConnectBackoff returns the retry policy for ChildTransportFactory.
	// If nil, an exponential back-off capped at DefaultChildConnectTimeout is used.
	ChildConnectBackoff func() backoff.BackOff

	// TerminateTimeout bounds the termination of each session during Close and child cleanup.
	// If zero, DefaultTerminateTimeout plus one second is used.
	TerminateTimeout time.Duration
}

// DefaultChildConnectTimeout bounds the retries of ChildTransportFactory.
const DefaultChildConnectTimeout = 10 * time.Second

type registryEntry struct {
	session  *Session
	parentID string
	children map[string]struct{}
	order    uint64
}

// Registry owns the debug sessions of one editor, including child sessions
// spawned by adapters through 'startDebugging'.
type Registry struct {
	config RegistryConfig
	log    logr.Logger

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc

	// mu protects the fields below.
	mu        sync.Mutex
	sessions  map[string]*registryEntry
	ended     map[string]struct{}
	nextOrder uint64
	closed    bool
}

// NewRegistry creates a new Registry with the given configuration.
func NewRegistry(config RegistryConfig) *Registry {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = DefaultTerminateTimeout + time.Second
	}

	lifetimeCtx, lifetimeCancel := context.WithCancel(context.Background())
	return &Registry{
		config:         config,
		log:            log,
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		sessions:       make(map[string]*registryEntry),
		ended:          make(map[string]struct{}),
	}
}

// CreateSession creates and registers a session over transport. The session answers
// 'startDebugging' requests by creating child sessions through this registry.
func (r *Registry) CreateSession(transport Transport, config SessionConfig) (*Session, error) {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Logger.GetSink() == nil {
		config.Logger = r.log
	}

	handlers := make(map[string]ReverseHandler, len(config.ReverseHandlers)+1)
	for command, h := range config.ReverseHandlers {
		handlers[command] = h
	}
	if _, overridden := handlers[CommandStartDebugging]; !overridden && r.config.ChildTransportFactory != nil {
		handlers[CommandStartDebugging] = r.handleStartDebugging
	}
	config.ReverseHandlers = handlers

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.sessions[config.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyExists, config.ID)
	}
	var parent *registryEntry
	if config.ParentID != "" {
		parent = r.sessions[config.ParentID]
		if parent == nil {
			return nil, fmt.Errorf("%w: parent session %s", ErrSessionNotFound, config.ParentID)
		}
	}

	session := NewSession(transport, config)
	delete(r.ended, session.ID())
	r.nextOrder++
	r.sessions[session.ID()] = &registryEntry{
		session:  session,
		parentID: config.ParentID,
		children: make(map[string]struct{}),
		order:    r.nextOrder,
	}
	if parent != nil {
		parent.children[session.ID()] = struct{}{}
	}

	go r.watch(session)

	r.log.V(1).Info("Session registered", "sessionID", session.ID(), "parentID", config.ParentID)
	return session, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.sessions[id]
	if !found {
		return nil, false
	}
	return entry.session, true
}

// Sessions returns every registered session in creation order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*registryEntry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	return sortedSessions(entries)
}

// Children returns the live child sessions of a session in creation order.
func (r *Registry) Children(id string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.sessions[id]
	if !found {
		return nil
	}
	entries := make([]*registryEntry, 0, len(entry.children))
	for childID := range entry.children {
		if child, exists := r.sessions[childID]; exists {
			entries = append(entries, child)
		}
	}
	return sortedSessions(entries)
}

// Parent returns the parent of a session, if the session has one and the parent is still registered.
func (r *Registry) Parent(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.sessions[id]
	if !found || entry.parentID == "" {
		return nil, false
	}
	parent, found := r.sessions[entry.parentID]
	if !found {
		return nil, false
	}
	return parent.session, true
}

func sortedSessions(entries []*registryEntry) []*Session {
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	sessions := make([]*Session, len(entries))
	for i, entry := range entries {
		sessions[i] = entry.session
	}
	return sessions
}

// Terminate terminates a session. Under ChildPolicyTerminate its children are terminated first.
// Terminating a session that has already ended is a no-op.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, found := r.sessions[id]
	_, ended := r.ended[id]
	var childIDs []string
	if found && r.config.ChildPolicy == ChildPolicyTerminate {
		for childID := range entry.children {
			childIDs = append(childIDs, childID)
		}
	}
	r.mu.Unlock()

	if !found {
		if ended {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	var errs []error
	for _, childID := range childIDs {
		if err := r.Terminate(ctx, childID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	if err := entry.session.Terminate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate session %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Close terminates every session and rejects new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var roots []string
	for id, entry := range r.sessions {
		if entry.parentID == "" || r.config.ChildPolicy == ChildPolicyDetach {
			roots = append(roots, id)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var errsMu sync.Mutex
	var errs []error
	for _, id := range roots {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			terminateCtx, cancel := context.WithTimeout(ctx, r.config.TerminateTimeout)
			defer cancel()
			if err := filterContextError(r.Terminate(terminateCtx, id), ctx, r.log); err != nil && !errors.Is(err, ErrSessionNotFound) {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	r.lifetimeCancel()
	return errors.Join(errs...)
}

func (r *Registry) watch(session *Session) {
	select {
	case <-session.Done():
		r.sessionEnded(session)
	case <-r.lifetimeCtx.Done():
	}
}

func (r *Registry) sessionEnded(session *Session) {
	r.mu.Lock()
	entry, found := r.sessions[session.ID()]
	if !found || entry.session != session {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session.ID())
	r.ended[session.ID()] = struct{}{}
	if parent, exists := r.sessions[entry.parentID]; exists {
		delete(parent.children, session.ID())
	}

	var orphans []*Session
	for childID := range entry.children {
		child, exists := r.sessions[childID]
		if !exists {
			continue
		}
		if r.config.ChildPolicy == ChildPolicyDetach {
			child.parentID = ""
		} else {
			orphans = append(orphans, child.session)
		}
	}
	r.mu.Unlock()

	r.log.V(1).Info("Session unregistered", "sessionID", session.ID(), "reason", fmt.Sprint(session.Err()))

	for _, child := range orphans {
		go func(child *Session) {
			ctx, cancel := context.WithTimeout(context.Background(), r.config.TerminateTimeout)
			defer cancel()
			r.log.V(1).Info("Terminating child session of ended parent", "sessionID", child.ID(), "parentID", session.ID())
			_ = child.Terminate(ctx)
		}(child)
	}
}

func (r *Registry) childBackoff() backoff.BackOff {
	if r.config.ChildConnectBackoff != nil {
		return r.config.ChildConnectBackoff()
	}
	return resiliency.DefaultBackoff(DefaultChildConnectTimeout)
}

// handleStartDebugging services the 'startDebugging' reverse request by creating a child session.
// The response is sent once the child is connected; its launch proceeds in the background.
func (r *Registry) handleStartDebugging(ctx context.Context, req *ReverseRequest) (any, error) {
	var args StartDebuggingArguments
	if err := req.DecodeArguments(&args); err != nil {
		return nil, err
	}
	if args.Request != LaunchRequest && args.Request != AttachRequest {
		return nil, fmt.Errorf("startDebugging request must be '%s' or '%s', got '%s'", LaunchRequest, AttachRequest, args.Request)
	}

	parent := req.Session
	transport, err := resiliency.RetryGet(ctx, r.childBackoff(), func() (Transport, error) {
		return r.config.ChildTransportFactory(ctx, parent, args)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect child debug session: %w", err)
	}

	childConfig := r.config.SessionDefaults
	childConfig.ID = ""
	childConfig.ParentID = parent.ID()
	child, err := r.CreateSession(transport, childConfig)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	lc := childLaunchConfig(parent, args)
	r.log.Info("Starting child debug session", "sessionID", child.ID(), "parentID", parent.ID(), "request", args.Request)
	go r.startChild(child, lc)

	return nil, nil
}

func (r *Registry) startChild(child *Session, lc LaunchConfig) {
	ctx, cancel := context.WithCancel(r.lifetimeCtx)
	defer cancel()
	go func() {
		select {
		case <-child.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := child.Start(ctx, lc); err != nil {
		if ctx.Err() == nil {
			r.log.Error(err, "Child debug session failed to start", "sessionID", child.ID(), "parentID", child.ParentID())
		}
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), r.config.TerminateTimeout)
		defer terminateCancel()
		_ = child.Terminate(terminateCtx)
	}
}

// childLaunchConfig derives the configuration of a child session. The child inherits
// the breakpoints and exception filters of its parent.
func childLaunchConfig(parent *Session, args StartDebuggingArguments) LaunchConfig {
	lc := LaunchConfig{
		Request:          args.Request,
		Arguments:        make(map[string]any, len(args.Configuration)),
		Breakpoints:      make(map[string][]SourceBreakpointSpec),
		ExceptionFilters: parent.ExceptionFilters(),
	}
	for k, v := range args.Configuration {
		lc.Arguments[k] = v
	}
	if name, isString := args.Configuration["name"].(string); isString {
		lc.Name = name
	}
	if adapterType, isString := args.Configuration["type"].(string); isString {
		lc.Type = adapterType
	}

	for _, bps := range parent.AllBreakpoints() {
		for _, bp := range bps {
			if bp.Requested != nil && bp.Source.Path != "" {
				lc.Breakpoints[bp.Source.Path] = append(lc.Breakpoints[bp.Source.Path], *bp.Requested)
			}
		}
	}
	for _, bp := range parent.FunctionBreakpoints() {
		if bp.FunctionName != "" {
			lc.FunctionBreakpoints = append(lc.FunctionBreakpoints, FunctionBreakpointSpec{Name: bp.FunctionName})
		}
	}
	return lc
}
