/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapterproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	dapclient "github.com/microsoft/dapclient/pkg/dap"
)

// TerminalLauncher returns a launcher for 'runInTerminal' requests that starts the debuggee
// as a direct child process sharing the client's standard streams.
// The debuggee outlives the request; it is not tied to the request context.
func TerminalLauncher(log logr.Logger) dapclient.TerminalLauncher {
	return func(_ context.Context, args dap.RunInTerminalRequestArguments) (int, int, error) {
		log := log.WithValues("launchID", uuid.NewString())
		cmd := exec.Command(args.Args[0], args.Args[1:]...)
		cmd.Dir = args.Cwd
		cmd.Env = mergeEnv(os.Environ(), args.Env)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			log.Error(err, "Could not start debuggee for runInTerminal request", "command", args.Args[0])
			return 0, 0, err
		}

		pid := cmd.Process.Pid
		log.Info("Started debuggee for runInTerminal request", "kind", args.Kind, "title", args.Title, "command", args.Args[0], "pid", pid)
		go func() {
			waitErr := cmd.Wait()
			log.V(1).Info("Debuggee started in terminal exited", "pid", pid, "exitCode", cmd.ProcessState.ExitCode(), "error", waitErr)
		}()

		// No shell is involved, so there is no shell process ID to report.
		return pid, 0, nil
	}
}

// mergeEnv applies the overrides of a runInTerminal request to base.
// A nil value removes the variable.
func mergeEnv(base []string, overrides map[string]any) []string {
	if len(overrides) == 0 {
		return base
	}

	result := slices.DeleteFunc(slices.Clone(base), func(entry string) bool {
		name, _, _ := strings.Cut(entry, "=")
		_, overridden := overrides[name]
		return overridden
	})

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		switch value := overrides[name].(type) {
		case nil:
		case string:
			result = append(result, name+"="+value)
		default:
			result = append(result, fmt.Sprintf("%s=%v", name, value))
		}
	}
	return result
}
