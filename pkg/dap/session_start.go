/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/go-dap"
	"go.opentelemetry.io/otel/attribute"
)

// initializeArguments adds the client capabilities go-dap does not model.
type initializeArguments struct {
	dap.InitializeRequestArguments
	SupportsStartDebuggingRequest bool `json:"supportsStartDebuggingRequest,omitempty"`
}

// Initialize performs the 'initialize' exchange and returns the adapter capabilities.
func (s *Session) Initialize(ctx context.Context, adapterID string) (dap.Capabilities, error) {
	args := &initializeArguments{
		InitializeRequestArguments: dap.InitializeRequestArguments{
			ClientID:                     s.config.ClientID,
			ClientName:                   s.config.ClientName,
			AdapterID:                    adapterID,
			Locale:                       s.config.Locale,
			LinesStartAt1:                true,
			ColumnsStartAt1:              true,
			PathFormat:                   "path",
			SupportsVariableType:         true,
			SupportsVariablePaging:       true,
			SupportsRunInTerminalRequest: s.responder.has(CommandRunInTerminal),
			SupportsInvalidatedEvent:     true,
		},
		SupportsStartDebuggingRequest: s.responder.has(CommandStartDebugging),
	}

	if _, err := s.Request(ctx, CommandInitialize, args); err != nil {
		return dap.Capabilities{}, err
	}
	return s.Capabilities(), nil
}

// Start runs the standard DAP handshake for lc:
// initialize, launch or attach, wait for the 'initialized' event, install the declared breakpoints
// and exception filters, configurationDone, then wait for the launch/attach response.
func (s *Session) Start(ctx context.Context, lc LaunchConfig) error {
	if err := lc.Validate(); err != nil {
		return err
	}

	_, err := callWithTelemetry(ctx, s.tracer, "dap.session.start", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.start(ctx, lc)
	}, attrSessionID.String(s.id), attrRequest.String(lc.Request), attribute.String("dap.adapter.type", lc.Type))
	return err
}

func (s *Session) start(ctx context.Context, lc LaunchConfig) error {
	caps, err := s.Initialize(ctx, lc.Type)
	if err != nil {
		return fmt.Errorf("failed to initialize debug adapter: %w", err)
	}

	launchCall, err := s.Send(lc.Request, lc.launchArguments())
	if err != nil {
		return err
	}

	if err = s.awaitConfigurationPhase(ctx, launchCall); err != nil {
		return err
	}

	s.configure(ctx, lc, caps)

	if caps.SupportsConfigurationDoneRequest {
		if _, err = s.Request(ctx, CommandConfigurationDone, nil); err != nil {
			return fmt.Errorf("configuration of the debug session failed: %w", err)
		}
	} else {
		s.endConfigurationPhase()
	}

	if _, err = launchCall.Wait(ctx); err != nil {
		return fmt.Errorf("'%s' request failed: %w", lc.Request, err)
	}

	s.log.Info("Debug session started", "name", lc.Name, "type", lc.Type, "request", lc.Request)
	return nil
}

// awaitConfigurationPhase waits for the 'initialized' event. Some adapters send it only after
// answering launch/attach, so an early successful response keeps the wait going.
func (s *Session) awaitConfigurationPhase(ctx context.Context, launchCall *Call) error {
	launchDone := launchCall.Done()
	for {
		select {
		case <-s.configReady:
			return nil
		case <-launchDone:
			if _, err := launchCall.Result(); err != nil {
				return fmt.Errorf("'%s' request failed: %w", launchCall.Command, err)
			}
			launchDone = nil
		case <-s.done:
			return fmt.Errorf("debug session ended during startup: %w", s.Err())
		case <-ctx.Done():
			launchCall.Cancel()
			return ctx.Err()
		}
	}
}

// configure installs the declared breakpoints. Failures are logged; the session proceeds without them.
func (s *Session) configure(ctx context.Context, lc LaunchConfig, caps dap.Capabilities) {
	var calls []*Call
	var errs []error

	paths := make([]string, 0, len(lc.Breakpoints))
	for path := range lc.Breakpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		source := dap.Source{Name: filepath.Base(path), Path: path}
		call, err := s.SetBreakpoints(source, lc.Breakpoints[path])
		errs = append(errs, err)
		calls = append(calls, call)
	}

	if len(lc.FunctionBreakpoints) > 0 {
		if caps.SupportsFunctionBreakpoints {
			call, err := s.SetFunctionBreakpoints(lc.FunctionBreakpoints)
			errs = append(errs, err)
			calls = append(calls, call)
		} else {
			s.log.Info("Debug adapter does not support function breakpoints; ignoring them", "count", len(lc.FunctionBreakpoints))
		}
	}

	filters := lc.ExceptionFilters
	if filters == nil {
		for _, f := range caps.ExceptionBreakpointFilters {
			if f.Default {
				filters = append(filters, f.Filter)
			}
		}
	}
	if len(filters) > 0 || len(caps.ExceptionBreakpointFilters) > 0 {
		call, err := s.SetExceptionBreakpoints(filters)
		errs = append(errs, err)
		calls = append(calls, call)
	}

	for _, call := range calls {
		if call == nil {
			continue
		}
		if _, err := call.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.log.Error(err, "Some breakpoints could not be configured")
	}
}

// endConfigurationPhase moves the session to running for adapters that do not implement configurationDone.
func (s *Session) endConfigurationPhase() {
	s.mu.Lock()
	var notes []notification
	if s.state == SessionStateConfiguring {
		notes = s.transitionLocked(SessionStateRunning)
	}
	s.postNotifications(notes)
	s.mu.Unlock()
}
