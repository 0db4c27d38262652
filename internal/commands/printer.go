/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	dapclient "github.com/microsoft/dapclient/pkg/dap"
)

const shortIDLength = 8

// focus identifies the thread that REPL commands act on by default.
type focus struct {
	sessionID string
	threadID  int
}

// eventPrinter writes session notifications as text and remembers which thread stopped last.
type eventPrinter struct {
	out io.Writer
	log logr.Logger

	mu    sync.Mutex
	focus focus
}

var _ dapclient.Listener = (*eventPrinter)(nil)

func newEventPrinter(out io.Writer, log logr.Logger) *eventPrinter {
	return &eventPrinter{out: out, log: log}
}

func (p *eventPrinter) current() focus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focus
}

func (p *eventPrinter) setFocus(f focus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focus = f
}

func (p *eventPrinter) OnEvent(sessionID string, event dap.EventMessage) {
	if stopped, isStopped := event.(*dap.StoppedEvent); isStopped {
		p.setFocus(focus{sessionID: sessionID, threadID: stopped.Body.ThreadId})
	}

	if line := formatEvent(event); line != "" {
		p.printf(sessionID, "%s", line)
	}
}

func (p *eventPrinter) OnStateChange(sessionID string, oldState, newState dapclient.SessionState) {
	p.printf(sessionID, "state %s -> %s", oldState, newState)
}

func (p *eventPrinter) OnDataInvalidated(sessionID string, inv dapclient.Invalidation) {
	p.log.V(1).Info("Cached debuggee data invalidated", "sessionID", sessionID, "areas", inv.Areas, "threadID", inv.ThreadID, "allThreads", inv.AllThreads)
}

func (p *eventPrinter) printf(sessionID string, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] %s\n", shortID(sessionID), fmt.Sprintf(format, args...))
}

// formatEvent renders an event as one line. Events that carry nothing worth showing yield "".
func formatEvent(event dap.EventMessage) string {
	switch e := event.(type) {
	case *dap.OutputEvent:
		if e.Body.Category == "telemetry" {
			return ""
		}
		return fmt.Sprintf("%s: %s", outputCategory(e.Body.Category), strings.TrimRight(e.Body.Output, "\r\n"))

	case *dap.StoppedEvent:
		line := fmt.Sprintf("stopped (%s) thread %d", e.Body.Reason, e.Body.ThreadId)
		if e.Body.AllThreadsStopped {
			line += ", all threads"
		}
		if e.Body.Description != "" {
			line += ": " + e.Body.Description
		}
		if e.Body.Text != "" {
			line += " " + e.Body.Text
		}
		return line

	case *dap.ContinuedEvent:
		if e.Body.AllThreadsContinued {
			return "continued"
		}
		return fmt.Sprintf("continued thread %d", e.Body.ThreadId)

	case *dap.ThreadEvent:
		return fmt.Sprintf("thread %d %s", e.Body.ThreadId, e.Body.Reason)

	case *dap.BreakpointEvent:
		bp := e.Body.Breakpoint
		line := fmt.Sprintf("breakpoint %d %s: verified=%t line=%d", bp.Id, e.Body.Reason, bp.Verified, bp.Line)
		if bp.Message != "" {
			line += " (" + bp.Message + ")"
		}
		return line

	case *dap.ProcessEvent:
		return fmt.Sprintf("process '%s' pid %d", e.Body.Name, e.Body.SystemProcessId)

	case *dap.ExitedEvent:
		return fmt.Sprintf("debuggee exited with code %d", e.Body.ExitCode)

	case *dap.TerminatedEvent:
		return "debug session terminated"

	case *dap.InitializedEvent, *dap.InvalidatedEvent, *dap.ModuleEvent, *dap.LoadedSourceEvent, *dap.CapabilitiesEvent:
		return ""

	default:
		return fmt.Sprintf("event '%s'", event.GetEvent().Event)
	}
}

func outputCategory(category string) string {
	if category == "" {
		return "console"
	}
	return category
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}
