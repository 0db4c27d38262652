/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dapclient/pkg/resiliency"
)

// ReverseRequest is a request sent by the adapter to the client.
type ReverseRequest struct {
	Seq       int
	Command   string
	Arguments json.RawMessage

	// Message is the decoded request: a go-dap type such as *dap.RunInTerminalRequest, or *UnknownRequest.
	Message dap.RequestMessage

	// Session is the session that received the request.
	Session *Session
}

// DecodeArguments unmarshals the request arguments into v.
func (r *ReverseRequest) DecodeArguments(v any) error {
	if len(r.Arguments) == 0 {
		return fmt.Errorf("reverse request '%s' has no arguments", r.Command)
	}
	if err := json.Unmarshal(r.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments for reverse request '%s': %w", r.Command, err)
	}
	return nil
}

// ReverseHandler services a reverse request. The returned body becomes the response body;
// a non-nil error produces a success=false response carrying the error text.
// Handlers run on their own goroutine and may block.
type ReverseHandler func(ctx context.Context, req *ReverseRequest) (any, error)

// reverseResponder holds the reverse request handlers of a session, keyed by command.
type reverseResponder struct {
	mu       sync.RWMutex
	handlers map[string]ReverseHandler
}

func newReverseResponder(initial map[string]ReverseHandler) *reverseResponder {
	r := &reverseResponder{handlers: make(map[string]ReverseHandler, len(initial))}
	for command, h := range initial {
		if h != nil {
			r.handlers[command] = h
		}
	}
	return r
}

func (r *reverseResponder) register(command string, h ReverseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, command)
		return
	}
	r.handlers[command] = h
}

func (r *reverseResponder) lookup(command string) (ReverseHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, found := r.handlers[command]
	return h, found
}

func (r *reverseResponder) has(command string) bool {
	_, found := r.lookup(command)
	return found
}

func (r *reverseResponder) commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		commands = append(commands, c)
	}
	sort.Strings(commands)
	return commands
}

// invoke runs a handler, converting panics into errors.
func (r *reverseResponder) invoke(ctx context.Context, h ReverseHandler, req *ReverseRequest, log logr.Logger) (body any, err error) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), log, "command", req.Command); panicErr != nil {
			body = nil
			err = fmt.Errorf("handler for reverse request '%s' failed: %w", req.Command, panicErr)
		}
	}()

	return h(ctx, req)
}

// TerminalLauncher starts the command described by a runInTerminal request and returns
// the IDs of the started process and of the hosting shell (zero when unknown).
type TerminalLauncher func(ctx context.Context, args dap.RunInTerminalRequestArguments) (processID int, shellProcessID int, err error)

// RunInTerminalHandler adapts a TerminalLauncher to a ReverseHandler for the 'runInTerminal' request.
func RunInTerminalHandler(launch TerminalLauncher) ReverseHandler {
	return func(ctx context.Context, req *ReverseRequest) (any, error) {
		var args dap.RunInTerminalRequestArguments
		if typed, isTyped := req.Message.(*dap.RunInTerminalRequest); isTyped {
			args = typed.Arguments
		} else if err := req.DecodeArguments(&args); err != nil {
			return nil, err
		}

		if len(args.Args) == 0 {
			return nil, fmt.Errorf("runInTerminal request has no command to run")
		}

		processID, shellProcessID, err := launch(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("failed to run '%s' in terminal: %w", args.Args[0], err)
		}
		return dap.RunInTerminalResponseBody{
			ProcessId:      processID,
			ShellProcessId: shellProcessID,
		}, nil
	}
}
