/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	dapclient "github.com/microsoft/dapclient/pkg/dap"
)

const testLaunchYAML = `
configurations:
  - name: server
    type: go
    request: launch
    program: ./cmd/server
    breakpoints:
      /src/server.go:
        - line: 10
  - name: worker
    type: go
    request: attach
    processId: 4711
`

func TestParseBreakpoint(t *testing.T) {
	t.Parallel()

	path, line, err := parseBreakpoint("main.go:12")
	require.NoError(t, err)
	require.Equal(t, 12, line)
	require.True(t, filepath.IsAbs(path))
	require.Equal(t, "main.go", filepath.Base(path))

	path, line, err = parseBreakpoint("/src/pkg/a:b.go:3")
	require.NoError(t, err)
	require.Equal(t, 3, line)
	require.Equal(t, "a:b.go", filepath.Base(path))

	for _, invalid := range []string{"main.go", "main.go:", ":3", "main.go:x", "main.go:0"} {
		_, _, parseErr := parseBreakpoint(invalid)
		require.Error(t, parseErr, "breakpoint %q", invalid)
	}
}

func TestParseArgValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, true, parseArgValue("true"))
	require.Equal(t, 12, parseArgValue("12"))
	require.Equal(t, []any{"one", "two"}, parseArgValue("[one, two]"))
	require.Equal(t, "./cmd/server", parseArgValue("./cmd/server"))
	require.Equal(t, "key: value", parseArgValue("key: value"))
	require.Equal(t, "", parseArgValue(""))
}

func TestBuildLaunchConfigFromFlags(t *testing.T) {
	t.Parallel()

	lc, err := buildLaunchConfig(runOptions{
		adapterType: "go",
		request:     dapclient.LaunchRequest,
		launchArgs:  map[string]string{"program": "./cmd/server", "showLog": "true"},
		breaks:      []string{"/src/main.go:7", "/src/main.go:9"},
		stopOnEntry: true,
	})
	require.NoError(t, err)

	require.Equal(t, clientID, lc.Name)
	require.Equal(t, "go", lc.Type)
	require.Equal(t, dapclient.LaunchRequest, lc.Request)
	require.True(t, lc.StopOnEntry)
	require.Equal(t, map[string]any{"program": "./cmd/server", "showLog": true}, lc.Arguments)

	mainGo, absErr := filepath.Abs("/src/main.go")
	require.NoError(t, absErr)
	require.Equal(t, []dapclient.SourceBreakpointSpec{{Line: 7}, {Line: 9}}, lc.Breakpoints[mainGo])

	_, err = buildLaunchConfig(runOptions{request: "debug"})
	require.ErrorContains(t, err, "request must be")
}

func TestBuildLaunchConfigFromFile(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "launch.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testLaunchYAML), 0600))

	lc, err := buildLaunchConfig(runOptions{
		configFile: configFile,
		name:       "server",
		request:    dapclient.LaunchRequest,
		launchArgs: map[string]string{"buildFlags": "-race"},
		breaks:     []string{"/src/server.go:20"},
	})
	require.NoError(t, err)

	require.Equal(t, "server", lc.Name)
	require.Equal(t, "./cmd/server", lc.Arguments["program"])
	require.Equal(t, "-race", lc.Arguments["buildFlags"])

	serverGo, absErr := filepath.Abs("/src/server.go")
	require.NoError(t, absErr)
	require.Equal(t, []dapclient.SourceBreakpointSpec{{Line: 10}, {Line: 20}}, lc.Breakpoints[serverGo])

	lc, err = buildLaunchConfig(runOptions{configFile: configFile, name: "worker", request: dapclient.LaunchRequest})
	require.NoError(t, err)
	require.Equal(t, dapclient.AttachRequest, lc.Request, "the request flag does not override the configuration file")

	_, err = buildLaunchConfig(runOptions{configFile: configFile})
	require.ErrorContains(t, err, "configuration name is required")

	_, err = buildLaunchConfig(runOptions{configFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "failed to read launch configuration file")
}

func TestChildPolicyFlag(t *testing.T) {
	t.Parallel()

	var opts runOptions
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	addRunFlags(fs, &opts)

	require.Equal(t, "terminate", fs.Lookup("child-policy").DefValue)
	require.NoError(t, fs.Parse([]string{"--child-policy", "Detach", "--arg", "a=1", "--arg", "b=x", "-b", "x.go:1", "-b", "y.go:2"}))
	require.Equal(t, dapclient.ChildPolicyDetach, opts.childPolicy.policy)
	require.Equal(t, map[string]string{"a": "1", "b": "x"}, opts.launchArgs)
	require.Equal(t, []string{"x.go:1", "y.go:2"}, opts.breaks)

	require.ErrorContains(t, fs.Parse([]string{"--child-policy", "orphan"}), "child policy must be")
}

func TestRunRequiresExactlyOneAdapter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runSession(context.Background(), runOptions{request: dapclient.LaunchRequest}, logr.Discard(), bytes.NewReader(nil), &out)
	require.ErrorContains(t, err, "specify either --adapter-addr or an adapter command")

	err = runSession(context.Background(), runOptions{
		request:     dapclient.LaunchRequest,
		adapterAddr: "127.0.0.1:4711",
		adapterArgs: []string{"dlv", "dap"},
	}, logr.Discard(), bytes.NewReader(nil), &out)
	require.ErrorContains(t, err, "specify either --adapter-addr or an adapter command")
}

func TestRunCommandRejectsArgumentsBeforeDash(t *testing.T) {
	t.Parallel()

	cmd := NewRunCommand(logr.Discard())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"program.go", "--", "dlv", "dap"})

	require.ErrorContains(t, cmd.Execute(), "unexpected arguments before '--': program.go")
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd, err := NewVersionCommand(logr.Discard())
	require.NoError(t, err)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &parsed))
	require.Equal(t, "dev", parsed["version"])
	require.Contains(t, parsed, "dapVersion")
}
