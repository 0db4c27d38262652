/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"

	dapclient "github.com/microsoft/dapclient/pkg/dap"
)

type replCommandKind int

const (
	replContinue replCommandKind = iota
	replNext
	replStepIn
	replStepOut
	replPause
	replBacktrace
	replThreads
	replScopes
	replVariables
	replEvaluate
	replHelp
	replQuit
)

type replCommand struct {
	kind replCommandKind

	// threadID is 0 when the command should use the focused thread.
	threadID int

	// ref is a frame ID for scopes and a variables reference for vars.
	ref int

	expression string
}

var errEmptyCommand = errors.New("empty command")

const replHelpText = `Commands:
  c [thread]      continue
  n [thread]      step over
  s [thread]      step in
  o [thread]      step out
  p [thread]      pause
  bt [thread]     show the call stack
  threads         list threads
  scopes <frame>  list the scopes of a stack frame
  vars <ref>      list the variables of a scope or structured value
  eval <expr>     evaluate an expression in the top frame
  q               end the debug session`

var threadCommands = map[string]replCommandKind{
	"c": replContinue, "continue": replContinue,
	"n": replNext, "next": replNext,
	"s": replStepIn, "step": replStepIn,
	"o": replStepOut, "out": replStepOut,
	"p": replPause, "pause": replPause,
	"bt": replBacktrace, "backtrace": replBacktrace,
}

func parseReplCommand(line string) (replCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return replCommand{}, errEmptyCommand
	}
	name, args := fields[0], fields[1:]

	if kind, isThreadCommand := threadCommands[name]; isThreadCommand {
		if len(args) > 1 {
			return replCommand{}, fmt.Errorf("'%s' takes at most one argument (thread ID)", name)
		}
		cmd := replCommand{kind: kind}
		if len(args) == 1 {
			threadID, err := parsePositive(args[0], "thread ID")
			if err != nil {
				return replCommand{}, err
			}
			cmd.threadID = threadID
		}
		return cmd, nil
	}

	switch name {
	case "threads":
		return noArgs(name, args, replThreads)

	case "scopes", "vars", "variables":
		if len(args) != 1 {
			return replCommand{}, fmt.Errorf("'%s' requires exactly one argument", name)
		}
		kind, what := replScopes, "frame ID"
		if name != "scopes" {
			kind, what = replVariables, "variables reference"
		}
		ref, err := parsePositive(args[0], what)
		if err != nil {
			return replCommand{}, err
		}
		return replCommand{kind: kind, ref: ref}, nil

	case "e", "eval":
		expression := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), name))
		if expression == "" {
			return replCommand{}, fmt.Errorf("'%s' requires an expression", name)
		}
		return replCommand{kind: replEvaluate, expression: expression}, nil

	case "h", "help", "?":
		return noArgs(name, args, replHelp)

	case "q", "quit", "exit":
		return noArgs(name, args, replQuit)

	default:
		return replCommand{}, fmt.Errorf("unknown command '%s' (type 'help' for a list of commands)", name)
	}
}

func noArgs(name string, args []string, kind replCommandKind) (replCommand, error) {
	if len(args) > 0 {
		return replCommand{}, fmt.Errorf("'%s' takes no arguments", name)
	}
	return replCommand{kind: kind}, nil
}

func parsePositive(s string, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s '%s'", what, s)
	}
	return n, nil
}

// repl executes commands typed by the user against the focused session.
type repl struct {
	registry *dapclient.Registry
	root     *dapclient.Session
	printer  *eventPrinter
	out      io.Writer

	// requestTimeout bounds each command.
	requestTimeout time.Duration
}

// run reads commands from in until the user quits, the root session ends, or ctx is cancelled.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-r.root.Done():
			if err := r.root.Err(); err != nil && !errors.Is(err, dapclient.ErrSessionTerminated) {
				fmt.Fprintf(r.out, "debug session ended: %v\n", err)
			}
			return nil

		case line, open := <-lines:
			if !open {
				return nil
			}

			cmd, err := parseReplCommand(line)
			if errors.Is(err, errEmptyCommand) {
				continue
			}
			if err != nil {
				fmt.Fprintln(r.out, err)
				continue
			}
			if cmd.kind == replQuit {
				return nil
			}

			cmdCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
			err = r.execute(cmdCtx, cmd)
			cancel()
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

// target returns the session that last reported a stop, falling back to the root session.
func (r *repl) target() (*dapclient.Session, focus) {
	f := r.printer.current()
	if f.sessionID != "" {
		if session, found := r.registry.Get(f.sessionID); found {
			return session, f
		}
	}
	return r.root, focus{sessionID: r.root.ID()}
}

func (r *repl) threadFor(ctx context.Context, session *dapclient.Session, f focus, requested int) (int, error) {
	if requested > 0 {
		return requested, nil
	}
	if f.threadID > 0 {
		return f.threadID, nil
	}
	if stop, stopped := session.LastStop(); stopped && stop.ThreadId > 0 {
		return stop.ThreadId, nil
	}

	threads, err := session.Threads(ctx)
	if err != nil {
		return 0, err
	}
	if len(threads) == 0 {
		return 0, fmt.Errorf("the debuggee has no threads")
	}
	return threads[0].Id, nil
}

func (r *repl) execute(ctx context.Context, cmd replCommand) error {
	session, f := r.target()

	switch cmd.kind {
	case replHelp:
		fmt.Fprintln(r.out, replHelpText)
		return nil

	case replThreads:
		threads, err := session.Threads(ctx)
		if err != nil {
			return err
		}
		for _, thread := range threads {
			marker := " "
			if thread.Id == f.threadID {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %d %s\n", marker, thread.Id, thread.Name)
		}
		return nil

	case replScopes:
		scopes, err := session.Scopes(ctx, cmd.ref)
		if err != nil {
			return err
		}
		for _, scope := range scopes {
			fmt.Fprintf(r.out, "%s (ref %d)\n", scope.Name, scope.VariablesReference)
		}
		return nil

	case replVariables:
		vars, err := session.Variables(ctx, cmd.ref, dapclient.VariablesPage{})
		if err != nil {
			return err
		}
		for _, v := range vars {
			fmt.Fprintln(r.out, formatVariable(v))
		}
		return nil

	case replEvaluate:
		frameID := 0
		if threadID, err := r.threadFor(ctx, session, f, 0); err == nil {
			if frames, stackErr := session.StackTrace(ctx, threadID); stackErr == nil && len(frames) > 0 {
				frameID = frames[0].Id
			}
		}
		result, err := session.Evaluate(ctx, cmd.expression, frameID, "repl")
		if err != nil {
			return err
		}
		if result.VariablesReference > 0 {
			fmt.Fprintf(r.out, "%s (ref %d)\n", result.Result, result.VariablesReference)
		} else {
			fmt.Fprintln(r.out, result.Result)
		}
		return nil
	}

	threadID, err := r.threadFor(ctx, session, f, cmd.threadID)
	if err != nil {
		return err
	}

	switch cmd.kind {
	case replContinue:
		return session.Continue(ctx, threadID)
	case replNext:
		return session.Next(ctx, threadID)
	case replStepIn:
		return session.StepIn(ctx, threadID)
	case replStepOut:
		return session.StepOut(ctx, threadID)
	case replPause:
		return session.Pause(ctx, threadID)
	case replBacktrace:
		frames, stackErr := session.StackTrace(ctx, threadID)
		if stackErr != nil {
			return stackErr
		}
		for i, frame := range frames {
			fmt.Fprintf(r.out, "#%-2d %s\n", i, formatFrame(frame))
		}
		return nil
	default:
		return fmt.Errorf("unsupported command")
	}
}

func formatFrame(frame dap.StackFrame) string {
	location := "<unknown>"
	if frame.Source != nil {
		location = frame.Source.Path
		if location == "" {
			location = frame.Source.Name
		}
	}
	return fmt.Sprintf("%s at %s:%d (frame %d)", frame.Name, location, frame.Line, frame.Id)
}

func formatVariable(v dap.Variable) string {
	line := v.Name
	if v.Type != "" {
		line += " " + v.Type
	}
	line += " = " + v.Value
	if v.VariablesReference > 0 {
		line += fmt.Sprintf(" (ref %d)", v.VariablesReference)
	}
	return line
}
