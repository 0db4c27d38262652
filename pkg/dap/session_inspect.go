/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"

	"github.com/google/go-dap"
)

// Threads returns the debuggee threads, asking the adapter only when the cached list is stale.
func (s *Session) Threads(ctx context.Context) ([]dap.Thread, error) {
	s.mu.Lock()
	if s.model.threadsKnown {
		threads := s.model.threadList()
		s.mu.Unlock()
		return threads, nil
	}

	gen := s.model.threadsGen
	call, err := s.sendLocked(CommandThreads, nil, nil, func(resp dap.Message, respErr error) []notification {
		if typed, isTyped := resp.(*dap.ThreadsResponse); isTyped && respErr == nil {
			s.model.storeThreads(gen, typed.Body.Threads)
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*dap.ThreadsResponse](ctx, call)
	if err != nil {
		return nil, err
	}
	return resp.Body.Threads, nil
}

// StackTrace returns the top frames of a stopped thread. The first page is fetched lazily
// and cached until the thread resumes; use MoreFrames to extend it.
func (s *Session) StackTrace(ctx context.Context, threadID int) ([]dap.StackFrame, error) {
	s.mu.Lock()
	if stack, found := s.model.cachedStack(threadID); found {
		frames := append([]dap.StackFrame(nil), stack.frames...)
		s.mu.Unlock()
		return frames, nil
	}

	call, err := s.fetchFramesLocked(threadID, 0)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*dap.StackTraceResponse](ctx, call)
	if err != nil {
		return nil, err
	}
	return resp.Body.StackFrames, nil
}

// MoreFrames fetches the next page of a thread's stack and returns every frame known so far.
func (s *Session) MoreFrames(ctx context.Context, threadID int) ([]dap.StackFrame, error) {
	s.mu.Lock()
	stack, found := s.model.cachedStack(threadID)
	if !found {
		s.mu.Unlock()
		return s.StackTrace(ctx, threadID)
	}

	known := append([]dap.StackFrame(nil), stack.frames...)
	if stack.complete {
		s.mu.Unlock()
		return known, nil
	}

	call, err := s.fetchFramesLocked(threadID, len(known))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*dap.StackTraceResponse](ctx, call)
	if err != nil {
		return nil, err
	}
	return append(known, resp.Body.StackFrames...), nil
}

func (s *Session) fetchFramesLocked(threadID, startFrame int) (*Call, error) {
	levels := s.config.StackPageSize
	if levels < 0 {
		levels = 0
	}

	stamp := s.model.stamp(threadID)
	args := &dap.StackTraceArguments{
		ThreadId:   threadID,
		StartFrame: startFrame,
		Levels:     levels,
	}
	return s.sendLocked(CommandStackTrace, args, nil, func(resp dap.Message, respErr error) []notification {
		if typed, isTyped := resp.(*dap.StackTraceResponse); isTyped && respErr == nil {
			s.model.storeFrames(threadID, stamp, startFrame, levels, typed.Body.StackFrames, typed.Body.TotalFrames)
		}
		return nil
	})
}

// Scopes returns the scopes of a stack frame, fetching them on first use.
func (s *Session) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	s.mu.Lock()
	if scopes, found := s.model.scopes[frameID]; found {
		scopes = append([]dap.Scope(nil), scopes...)
		s.mu.Unlock()
		return scopes, nil
	}

	owner := s.model.frameOwner(frameID)
	stamp := s.model.stamp(owner)
	call, err := s.sendLocked(CommandScopes, &dap.ScopesArguments{FrameId: frameID}, nil, func(resp dap.Message, respErr error) []notification {
		if typed, isTyped := resp.(*dap.ScopesResponse); isTyped && respErr == nil {
			s.model.storeScopes(frameID, owner, stamp, typed.Body.Scopes)
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*dap.ScopesResponse](ctx, call)
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

// Variables returns (a page of) the children of a variables reference, fetching them on first use.
// Children of the returned variables are never fetched eagerly.
func (s *Session) Variables(ctx context.Context, ref int, page VariablesPage) ([]dap.Variable, error) {
	key := variablesKey{ref: ref, page: page}

	s.mu.Lock()
	if vars, found := s.model.variables[key]; found {
		vars = append([]dap.Variable(nil), vars...)
		s.mu.Unlock()
		return vars, nil
	}

	owner := s.model.referenceOwner(ref)
	stamp := s.model.stamp(owner)
	args := &dap.VariablesArguments{
		VariablesReference: ref,
		Filter:             page.Filter,
		Start:              page.Start,
		Count:              page.Count,
	}
	call, err := s.sendLocked(CommandVariables, args, nil, func(resp dap.Message, respErr error) []notification {
		if typed, isTyped := resp.(*dap.VariablesResponse); isTyped && respErr == nil {
			s.model.storeVariables(key, owner, stamp, typed.Body.Variables)
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*dap.VariablesResponse](ctx, call)
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// Evaluate evaluates an expression in the context of a stack frame (0 for the global context).
// evalContext is a DAP evaluation context such as "watch", "repl" or "hover".
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (dap.EvaluateResponseBody, error) {
	args := &dap.EvaluateArguments{
		Expression: expression,
		FrameId:    frameID,
		Context:    evalContext,
	}

	s.mu.Lock()
	call, err := s.sendLocked(CommandEvaluate, args, nil, func(resp dap.Message, respErr error) []notification {
		if typed, isTyped := resp.(*dap.EvaluateResponse); isTyped && respErr == nil {
			s.model.ownReference(typed.Body.VariablesReference, s.model.frameOwner(frameID))
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return dap.EvaluateResponseBody{}, err
	}

	resp, err := awaitResponse[*dap.EvaluateResponse](ctx, call)
	if err != nil {
		return dap.EvaluateResponseBody{}, err
	}
	return resp.Body, nil
}

// Modules returns the modules reported through 'module' events.
func (s *Session) Modules() []dap.Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.moduleList()
}

// LastStop returns the most recent 'stopped' event body while any thread is still suspended.
func (s *Session) LastStop() (dap.StoppedEventBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.lastStop == nil {
		return dap.StoppedEventBody{}, false
	}
	return *s.model.lastStop, true
}

// Continue resumes execution.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	return s.execute(ctx, CommandContinue, &dap.ContinueArguments{ThreadId: threadID})
}

// Next steps over the current line of a thread.
func (s *Session) Next(ctx context.Context, threadID int) error {
	return s.execute(ctx, CommandNext, &dap.NextArguments{ThreadId: threadID})
}

// StepIn steps into the function called at the current line of a thread.
func (s *Session) StepIn(ctx context.Context, threadID int) error {
	return s.execute(ctx, CommandStepIn, &dap.StepInArguments{ThreadId: threadID})
}

// StepOut runs a thread until the current function returns.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.execute(ctx, CommandStepOut, &dap.StepOutArguments{ThreadId: threadID})
}

// Pause suspends a thread.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	return s.execute(ctx, CommandPause, &dap.PauseArguments{ThreadId: threadID})
}

func (s *Session) execute(ctx context.Context, command string, args any) error {
	_, err := s.Request(ctx, command, args)
	return err
}
