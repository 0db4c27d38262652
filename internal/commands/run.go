/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/dapclient/internal/adapterproc"
	dapclient "github.com/microsoft/dapclient/pkg/dap"
)

const (
	clientID           = "dapctl"
	replCommandTimeout = time.Minute
)

type runOptions struct {
	adapterAddr string
	adapterMode string
	adapterArgs []string
	envFiles    []string

	configFile  string
	name        string
	adapterType string
	request     string
	launchArgs  map[string]string
	breaks      []string

	stopOnEntry bool
	childPolicy childPolicyFlag

	requestTimeout   time.Duration
	connectTimeout   time.Duration
	terminateTimeout time.Duration
}

func NewRunCommand(log logr.Logger) *cobra.Command {
	opts := runOptions{}

	runCmd := &cobra.Command{
		Use:   "run [flags] [-- adapter-command [adapter-args...]]",
		Short: "Starts a debug session",
		Long: `Starts a debug session and reads debugger commands from standard input.

The debug adapter is either spawned (the command after '--') or reached at --adapter-addr.
The debuggee is described by a configuration from --config, or by --type, --request and --arg flags.

Examples:
  dapctl run --type go --arg program=./cmd/server --break main.go:42 -- dlv dap
  dapctl run --adapter-addr 127.0.0.1:4711 --config launch.yaml --name server`,
		Args: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash > 0 {
				return fmt.Errorf("unexpected arguments before '--': %s", strings.Join(args[:dash], " "))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.adapterArgs = args
			return runSession(cmd.Context(), opts, log.WithName("run"), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	addRunFlags(runCmd.Flags(), &opts)
	return runCmd
}

func addRunFlags(fs *pflag.FlagSet, opts *runOptions) {
	fs.StringVar(&opts.adapterAddr, "adapter-addr", "", "Address (host:port) of a debug adapter that is already listening. Mutually exclusive with an adapter command.")
	fs.StringVar(&opts.adapterMode, "adapter-mode", string(adapterproc.ModeStdio), "How to talk to a spawned adapter: 'stdio', or 'tcp' (the adapter arguments must contain "+adapterproc.PortPlaceholder+").")
	fs.StringArrayVar(&opts.envFiles, "env-file", nil, "A .env file with environment variables for the spawned adapter. Can be repeated.")
	fs.StringVarP(&opts.configFile, "config", "c", "", "YAML or JSON file with launch configurations.")
	fs.StringVarP(&opts.name, "name", "n", "", "Name of the launch configuration to use.")
	fs.StringVar(&opts.adapterType, "type", "", "Debug adapter type reported in the 'initialize' request.")
	fs.StringVar(&opts.request, "request", dapclient.LaunchRequest, "Either 'launch' or 'attach'. Ignored when --config is used.")
	fs.StringToStringVar(&opts.launchArgs, "arg", nil, "Launch/attach argument as key=value; values are parsed as YAML scalars. Can be repeated.")
	fs.StringArrayVarP(&opts.breaks, "break", "b", nil, "Line breakpoint as file:line. Can be repeated.")
	fs.BoolVar(&opts.stopOnEntry, "stop-on-entry", false, "Stop the debuggee at its entry point.")
	fs.Var(&opts.childPolicy, "child-policy", "What happens to child sessions when their parent ends: 'terminate' or 'detach'.")
	fs.DurationVar(&opts.requestTimeout, "request-timeout", dapclient.DefaultRequestTimeout, "Deadline of control requests sent to the adapter.")
	fs.DurationVar(&opts.connectTimeout, "connect-timeout", adapterproc.DefaultConnectionTimeout, "How long to wait for a TCP connection to the adapter.")
	fs.DurationVar(&opts.terminateTimeout, "terminate-timeout", dapclient.DefaultTerminateTimeout, "How long to wait for the adapter to acknowledge disconnect.")
}

func runSession(ctx context.Context, opts runOptions, log logr.Logger, in io.Reader, out io.Writer) error {
	if (opts.adapterAddr == "") == (len(opts.adapterArgs) == 0) {
		return errors.New("specify either --adapter-addr or an adapter command after '--'")
	}

	lc, err := buildLaunchConfig(opts)
	if err != nil {
		return err
	}

	adapterConfig := adapterproc.Config{
		Args:              opts.adapterArgs,
		Mode:              adapterproc.Mode(opts.adapterMode),
		EnvFiles:          opts.envFiles,
		ConnectionTimeout: opts.connectTimeout,
	}

	var transport dapclient.Transport
	if opts.adapterAddr != "" {
		transport, err = adapterproc.Dial(ctx, opts.adapterAddr, opts.connectTimeout, log)
		if err != nil {
			return err
		}
	} else {
		adapter, startErr := adapterproc.Start(ctx, adapterConfig, log)
		if startErr != nil {
			return startErr
		}
		defer func() { _ = adapter.Stop() }()
		transport = adapter.Transport
	}

	connector := adapterproc.NewChildConnector(ctx, opts.adapterAddr, adapterConfig, log.WithName("child"))
	defer func() { _ = connector.Stop() }()

	printer := newEventPrinter(out, log)
	sessionConfig := dapclient.SessionConfig{
		Logger:           log,
		ClientID:         clientID,
		ClientName:       clientID,
		DefaultTimeout:   opts.requestTimeout,
		TerminateTimeout: opts.terminateTimeout,
		ReverseHandlers: map[string]dapclient.ReverseHandler{
			dapclient.CommandRunInTerminal: dapclient.RunInTerminalHandler(adapterproc.TerminalLauncher(log)),
		},
		Listeners: []dapclient.Listener{printer},
	}

	registry := dapclient.NewRegistry(dapclient.RegistryConfig{
		Logger:                log,
		ChildPolicy:           opts.childPolicy.policy,
		ChildTransportFactory: connector.Connect,
		SessionDefaults:       sessionConfig,
		TerminateTimeout:      opts.terminateTimeout + time.Second,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.terminateTimeout+2*time.Second)
		defer cancel()
		if closeErr := registry.Close(closeCtx); closeErr != nil {
			log.Error(closeErr, "Debug sessions did not end cleanly")
		}
	}()

	session, err := registry.CreateSession(transport, sessionConfig)
	if err != nil {
		_ = transport.Close()
		return err
	}

	if err = session.Start(ctx, lc); err != nil {
		return fmt.Errorf("could not start debug session '%s': %w", lc.Name, err)
	}
	fmt.Fprintln(out, "Debug session started. Type 'help' for a list of commands.")

	r := &repl{
		registry:       registry,
		root:           session,
		printer:        printer,
		out:            out,
		requestTimeout: replCommandTimeout,
	}
	if err = r.run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildLaunchConfig combines the configuration file (if any) with the command-line overrides.
func buildLaunchConfig(opts runOptions) (dapclient.LaunchConfig, error) {
	var lc dapclient.LaunchConfig
	if opts.configFile != "" {
		configs, err := dapclient.LoadLaunchConfigs(opts.configFile)
		if err != nil {
			return lc, err
		}
		if lc, err = dapclient.FindLaunchConfig(configs, opts.name); err != nil {
			return lc, err
		}
	} else {
		lc.Name = opts.name
		if lc.Name == "" {
			lc.Name = clientID
		}
		lc.Request = opts.request
	}

	if opts.adapterType != "" {
		lc.Type = opts.adapterType
	}
	if opts.stopOnEntry {
		lc.StopOnEntry = true
	}

	if len(opts.launchArgs) > 0 {
		args := make(map[string]any, len(lc.Arguments)+len(opts.launchArgs))
		maps.Copy(args, lc.Arguments)
		for key, raw := range opts.launchArgs {
			args[key] = parseArgValue(raw)
		}
		lc.Arguments = args
	}

	if len(opts.breaks) > 0 {
		breakpoints := make(map[string][]dapclient.SourceBreakpointSpec, len(lc.Breakpoints)+len(opts.breaks))
		for path, specs := range lc.Breakpoints {
			breakpoints[path] = append([]dapclient.SourceBreakpointSpec(nil), specs...)
		}
		for _, b := range opts.breaks {
			path, line, err := parseBreakpoint(b)
			if err != nil {
				return lc, err
			}
			breakpoints[path] = append(breakpoints[path], dapclient.SourceBreakpointSpec{Line: line})
		}
		lc.Breakpoints = breakpoints
	}

	return lc, lc.Validate()
}

// parseArgValue interprets a command-line value as a YAML scalar or flow collection,
// so that "true", "12" and "[a, b]" reach the adapter as a boolean, a number and a list.
func parseArgValue(raw string) any {
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		return raw
	}
	switch value.(type) {
	case map[string]any:
		// "key: value" in a plain string is almost certainly not meant to be an object.
		return raw
	default:
		return value
	}
}

// parseBreakpoint parses "file:line". The file part may itself contain colons (Windows drive letters).
func parseBreakpoint(s string) (string, int, error) {
	sep := strings.LastIndex(s, ":")
	if sep <= 0 || sep == len(s)-1 {
		return "", 0, fmt.Errorf("invalid breakpoint '%s': expected file:line", s)
	}

	line, err := strconv.Atoi(s[sep+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("invalid breakpoint '%s': line must be a positive number", s)
	}

	path, err := filepath.Abs(s[:sep])
	if err != nil {
		return "", 0, fmt.Errorf("invalid breakpoint '%s': %w", s, err)
	}
	return path, line, nil
}

// childPolicyFlag is a pflag.Value for dapclient.ChildPolicy.
type childPolicyFlag struct {
	policy dapclient.ChildPolicy
}

var _ pflag.Value = (*childPolicyFlag)(nil)

func (f *childPolicyFlag) String() string {
	return f.policy.String()
}

func (f *childPolicyFlag) Set(value string) error {
	switch strings.ToLower(value) {
	case dapclient.ChildPolicyTerminate.String():
		f.policy = dapclient.ChildPolicyTerminate
	case dapclient.ChildPolicyDetach.String():
		f.policy = dapclient.ChildPolicyDetach
	default:
		return fmt.Errorf("child policy must be '%s' or '%s'", dapclient.ChildPolicyTerminate, dapclient.ChildPolicyDetach)
	}
	return nil
}

func (f *childPolicyFlag) Type() string {
	return "policy"
}
