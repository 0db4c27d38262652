/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dapclient/pkg/resiliency"
)

// Invalidation areas reported through Listener.OnDataInvalidated.
const (
	InvalidatedAll         = "all"
	InvalidatedStacks      = "stacks"
	InvalidatedThreads     = "threads"
	InvalidatedVariables   = "variables"
	InvalidatedBreakpoints = "breakpoints"
	InvalidatedModules     = "modules"
)

// Invalidation describes which parts of the runtime data model were discarded.
type Invalidation struct {
	Areas []string

	// ThreadID identifies the affected thread when AllThreads is false and the invalidation is thread-scoped.
	ThreadID     int
	AllThreads   bool
	StackFrameID int
}

// Listener observes a session. All callbacks run on the session loop in the order the adapter
// emitted the underlying messages, after the runtime data model has been updated.
// Callbacks must not block: they may call Session.Send and read snapshots, but waiting
// for a response (or for Terminate) from inside a callback deadlocks the session.
type Listener interface {
	OnEvent(sessionID string, event dap.EventMessage)
	OnStateChange(sessionID string, oldState, newState SessionState)
	OnDataInvalidated(sessionID string, inv Invalidation)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil fields are skipped.
type ListenerFuncs struct {
	Event           func(sessionID string, event dap.EventMessage)
	StateChange     func(sessionID string, oldState, newState SessionState)
	DataInvalidated func(sessionID string, inv Invalidation)
}

func (lf ListenerFuncs) OnEvent(sessionID string, event dap.EventMessage) {
	if lf.Event != nil {
		lf.Event(sessionID, event)
	}
}

func (lf ListenerFuncs) OnStateChange(sessionID string, oldState, newState SessionState) {
	if lf.StateChange != nil {
		lf.StateChange(sessionID, oldState, newState)
	}
}

func (lf ListenerFuncs) OnDataInvalidated(sessionID string, inv Invalidation) {
	if lf.DataInvalidated != nil {
		lf.DataInvalidated(sessionID, inv)
	}
}

var _ Listener = ListenerFuncs{}

type notificationKind int

const (
	notifyEvent notificationKind = iota
	notifyStateChange
	notifyInvalidation
)

// notification is a listener callback recorded while session state is being updated
// and delivered once the update is complete.
type notification struct {
	kind         notificationKind
	event        dap.EventMessage
	oldState     SessionState
	newState     SessionState
	invalidation Invalidation
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

// eventDispatcher fans notifications out to subscribed listeners in subscription order.
type eventDispatcher struct {
	sessionID string
	log       logr.Logger

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

func newEventDispatcher(sessionID string, log logr.Logger) *eventDispatcher {
	return &eventDispatcher{
		sessionID: sessionID,
		log:       log,
	}
}

// subscribe adds a listener and returns a function that removes it.
func (d *eventDispatcher) subscribe(l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, listenerEntry{id: id, listener: l})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, entry := range d.listeners {
			if entry.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

func (d *eventDispatcher) snapshot() []listenerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]listenerEntry(nil), d.listeners...)
}

// deliver invokes listeners for each notification, in order.
func (d *eventDispatcher) deliver(notes []notification) {
	if len(notes) == 0 {
		return
	}

	listeners := d.snapshot()
	for _, n := range notes {
		if n.kind == notifyInvalidation && len(n.invalidation.Areas) == 0 {
			continue
		}
		for _, entry := range listeners {
			d.invoke(entry.listener, n)
		}
	}
}

func (d *eventDispatcher) invoke(l Listener, n notification) {
	defer func() {
		_ = resiliency.MakePanicError(recover(), d.log, "notification", n.kind.String())
	}()

	switch n.kind {
	case notifyEvent:
		l.OnEvent(d.sessionID, n.event)
	case notifyStateChange:
		l.OnStateChange(d.sessionID, n.oldState, n.newState)
	case notifyInvalidation:
		l.OnDataInvalidated(d.sessionID, n.invalidation)
	}
}

func (k notificationKind) String() string {
	switch k {
	case notifyEvent:
		return "event"
	case notifyStateChange:
		return "stateChange"
	case notifyInvalidation:
		return "invalidation"
	default:
		return "unknown"
	}
}

func eventNote(ev dap.EventMessage) notification {
	return notification{kind: notifyEvent, event: ev}
}

func stateNote(oldState, newState SessionState) notification {
	return notification{kind: notifyStateChange, oldState: oldState, newState: newState}
}

func invalidationNote(inv Invalidation) notification {
	return notification{kind: notifyInvalidation, invalidation: inv}
}
