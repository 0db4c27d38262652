/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

// SessionState represents the lifecycle state of a debug session.
type SessionState int

const (
	// SessionStateUninitialized is the state of a session that has not sent 'initialize' yet.
	SessionStateUninitialized SessionState = iota
	// SessionStateInitializing indicates 'initialize' was sent and no response has arrived yet.
	SessionStateInitializing
	// SessionStateInitialized indicates the adapter capabilities are known.
	SessionStateInitialized
	// SessionStateConfiguring indicates 'launch' or 'attach' was sent and configuration is in progress.
	SessionStateConfiguring
	// SessionStateRunning indicates the debuggee is executing.
	SessionStateRunning
	// SessionStateStopped indicates the debuggee (or one of its threads) is suspended.
	SessionStateStopped
	// SessionStateTerminated is the final state of a session that ended.
	SessionStateTerminated
	// SessionStateFailed is the final state of a session whose initialization failed.
	SessionStateFailed
)

// String returns a human-readable representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateUninitialized:
		return "uninitialized"
	case SessionStateInitializing:
		return "initializing"
	case SessionStateInitialized:
		return "initialized"
	case SessionStateConfiguring:
		return "configuring"
	case SessionStateRunning:
		return "running"
	case SessionStateStopped:
		return "stopped"
	case SessionStateTerminated:
		return "terminated"
	case SessionStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsFinal returns true for states the session never leaves.
func (s SessionState) IsFinal() bool {
	return s == SessionStateTerminated || s == SessionStateFailed
}

// Standard DAP request commands.
const (
	CommandInitialize                = "initialize"
	CommandLaunch                    = "launch"
	CommandAttach                    = "attach"
	CommandConfigurationDone         = "configurationDone"
	CommandDisconnect                = "disconnect"
	CommandTerminate                 = "terminate"
	CommandRestart                   = "restart"
	CommandCancel                    = "cancel"
	CommandSetBreakpoints            = "setBreakpoints"
	CommandSetFunctionBreakpoints    = "setFunctionBreakpoints"
	CommandSetExceptionBreakpoints   = "setExceptionBreakpoints"
	CommandSetDataBreakpoints        = "setDataBreakpoints"
	CommandSetInstructionBreakpoints = "setInstructionBreakpoints"
	CommandDataBreakpointInfo        = "dataBreakpointInfo"
	CommandBreakpointLocations       = "breakpointLocations"
	CommandContinue                  = "continue"
	CommandNext                      = "next"
	CommandStepIn                    = "stepIn"
	CommandStepOut                   = "stepOut"
	CommandStepBack                  = "stepBack"
	CommandReverseContinue           = "reverseContinue"
	CommandRestartFrame              = "restartFrame"
	CommandGoto                      = "goto"
	CommandPause                     = "pause"
	CommandThreads                   = "threads"
	CommandStackTrace                = "stackTrace"
	CommandScopes                    = "scopes"
	CommandVariables                 = "variables"
	CommandSetVariable               = "setVariable"
	CommandSetExpression             = "setExpression"
	CommandEvaluate                  = "evaluate"
	CommandSource                    = "source"
	CommandLoadedSources             = "loadedSources"
	CommandModules                   = "modules"
	CommandExceptionInfo             = "exceptionInfo"
	CommandCompletions               = "completions"
	CommandGotoTargets               = "gotoTargets"
	CommandStepInTargets             = "stepInTargets"
	CommandReadMemory                = "readMemory"
	CommandWriteMemory               = "writeMemory"
	CommandDisassemble               = "disassemble"
	CommandTerminateThreads          = "terminateThreads"

	// Reverse requests (adapter to client).
	CommandRunInTerminal  = "runInTerminal"
	CommandStartDebugging = "startDebugging"
)

func commandSet(commands ...string) map[string]bool {
	set := make(map[string]bool, len(commands))
	for _, c := range commands {
		set[c] = true
	}
	return set
}

var (
	breakpointCommands = []string{
		CommandSetBreakpoints,
		CommandSetFunctionBreakpoints,
		CommandSetExceptionBreakpoints,
		CommandSetDataBreakpoints,
		CommandSetInstructionBreakpoints,
		CommandDataBreakpointInfo,
		CommandBreakpointLocations,
	}

	executionCommands = []string{
		CommandContinue,
		CommandNext,
		CommandStepIn,
		CommandStepOut,
		CommandStepBack,
		CommandReverseContinue,
	}

	inspectionCommands = []string{
		CommandStackTrace,
		CommandScopes,
		CommandVariables,
		CommandSetVariable,
		CommandSetExpression,
		CommandEvaluate,
		CommandSource,
		CommandThreads,
		CommandExceptionInfo,
		CommandCompletions,
		CommandGotoTargets,
		CommandStepInTargets,
		CommandRestartFrame,
		CommandGoto,
		CommandReadMemory,
		CommandWriteMemory,
		CommandDisassemble,
		CommandLoadedSources,
		CommandModules,
	}

	lifecycleCommands = commandSet(CommandDisconnect, CommandTerminate, CommandRestart)

	// resumingCommands move a stopped session back to running when they succeed.
	resumingCommands = commandSet(append([]string{CommandRestartFrame, CommandGoto}, executionCommands...)...)

	allowedCommands = map[SessionState]map[string]bool{
		SessionStateUninitialized: commandSet(CommandInitialize),
		SessionStateInitializing:  commandSet(),
		SessionStateInitialized: commandSet(append([]string{
			CommandLaunch,
			CommandAttach,
		}, breakpointCommands...)...),
		SessionStateConfiguring: commandSet(append([]string{
			CommandConfigurationDone,
			CommandThreads,
			CommandLoadedSources,
			CommandModules,
			CommandSource,
			CommandCancel,
		}, breakpointCommands...)...),
		SessionStateRunning: commandSet(append(append([]string{
			CommandPause,
			CommandThreads,
			CommandEvaluate,
			CommandLoadedSources,
			CommandModules,
			CommandSource,
			CommandCompletions,
			CommandTerminateThreads,
			CommandCancel,
		}, executionCommands...), breakpointCommands...)...),
		SessionStateStopped: commandSet(append(append(append([]string{
			CommandPause,
			CommandTerminateThreads,
			CommandCancel,
		}, executionCommands...), inspectionCommands...), breakpointCommands...)...),
		SessionStateTerminated: commandSet(),
		SessionStateFailed:     commandSet(),
	}

	// knownCommands holds every request command the state table reasons about.
	// Anything else is treated as an adapter-specific extension.
	knownCommands = func() map[string]bool {
		known := commandSet(CommandInitialize, CommandRunInTerminal, CommandStartDebugging)
		for _, commands := range allowedCommands {
			for c := range commands {
				known[c] = true
			}
		}
		for c := range lifecycleCommands {
			known[c] = true
		}
		return known
	}()
)

// commandAllowed reports whether a request may be sent in the given state.
func commandAllowed(state SessionState, command string) bool {
	if state.IsFinal() {
		return false
	}

	if lifecycleCommands[command] {
		return state != SessionStateInitializing
	}

	if !knownCommands[command] {
		// Adapter-specific requests are allowed once the adapter is initialized.
		return state != SessionStateUninitialized && state != SessionStateInitializing
	}

	return allowedCommands[state][command]
}
