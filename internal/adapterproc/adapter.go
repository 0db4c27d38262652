/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapterproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	ps "github.com/shirou/gopsutil/v4/process"

	"github.com/microsoft/dapclient/pkg/dap"
	"github.com/microsoft/dapclient/pkg/resiliency"
)

// PortPlaceholder in adapter arguments is replaced with the port the adapter should listen on.
const PortPlaceholder = "{{port}}"

// DefaultConnectionTimeout bounds how long Start waits for an adapter to accept a connection in TCP mode.
const DefaultConnectionTimeout = 10 * time.Second

// UnknownExitCode is reported while the adapter process is running or when its exit code could not be determined.
const UnknownExitCode = -1

var (
	ErrInvalidConfig     = errors.New("invalid debug adapter configuration: Args must have at least one element")
	ErrConnectionTimeout = errors.New("debug adapter connection timeout")
)

// Mode specifies how the client talks to a spawned adapter.
type Mode string

const (
	// ModeStdio speaks DAP over the adapter's stdin and stdout.
	ModeStdio Mode = "stdio"

	// ModeTCP allocates a port, passes it to the adapter through PortPlaceholder and connects to it.
	ModeTCP Mode = "tcp"
)

// Config describes how to run a debug adapter.
type Config struct {
	// Args is the adapter command line; the first element is the executable.
	Args []string

	// Mode defaults to ModeStdio.
	Mode Mode

	// Env holds extra "NAME=value" entries added to the client's environment.
	Env []string

	// EnvFiles are .env files whose variables are added to the environment before Env.
	EnvFiles []string

	Dir string

	// ConnectionTimeout applies to ModeTCP. Zero means DefaultConnectionTimeout.
	ConnectionTimeout time.Duration
}

// Adapter is a running debug adapter process and the transport connected to it.
type Adapter struct {
	Transport dap.Transport

	cmd  *exec.Cmd
	done chan struct{}

	// mu protects exitCode and exitErr.
	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// Pid returns the process ID of the adapter.
func (a *Adapter) Pid() int {
	return a.cmd.Process.Pid
}

// Done returns a channel that is closed when the adapter process exits.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the adapter process exits and returns its exit error, if any.
func (a *Adapter) Wait() error {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitErr
}

// ExitCode returns the exit code of the adapter process. Only valid after Wait returns.
func (a *Adapter) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode
}

// Stop closes the transport and kills the adapter if it is still running.
func (a *Adapter) Stop() error {
	var errs []error
	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	select {
	case <-a.done:
	default:
		// The whole process tree goes, not just the adapter.
		for _, descendant := range descendants(a.Pid()) {
			_ = descendant.Kill()
		}
		if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to stop debug adapter process %d: %w", a.Pid(), err))
		}
	}
	return errors.Join(errs...)
}

// descendants returns the processes started by pid, children before grandchildren.
func descendants(pid int) []*ps.Process {
	root, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var result []*ps.Process
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// Most likely the process has no children.
			continue
		}
		result = append(result, children...)
		next = append(next, children...)
	}
	return result
}

// Start runs a debug adapter process and connects a transport to it.
// The process is killed when ctx is cancelled.
func Start(ctx context.Context, config Config, log logr.Logger) (*Adapter, error) {
	if len(config.Args) == 0 {
		return nil, ErrInvalidConfig
	}

	switch config.Mode {
	case ModeTCP:
		return startTCPAdapter(ctx, config, log)
	case ModeStdio, "":
		return startStdioAdapter(ctx, config, log)
	default:
		return nil, fmt.Errorf("unknown debug adapter mode '%s'", config.Mode)
	}
}

func startStdioAdapter(ctx context.Context, config Config, log logr.Logger) (*Adapter, error) {
	cmd := newCommand(ctx, config, config.Args, log)

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", stdinErr)
	}
	stdout, stdoutErr := cmd.StdoutPipe()
	if stdoutErr != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)
	}

	adapter, startErr := startProcess(cmd, log)
	if startErr != nil {
		return nil, startErr
	}

	log.Info("Launched debug adapter process", "mode", ModeStdio, "command", config.Args[0], "args", config.Args[1:], "pid", adapter.Pid())
	adapter.Transport = dap.NewPipeTransport(stdout, stdin, log)
	return adapter, nil
}

func startTCPAdapter(ctx context.Context, config Config, log logr.Logger) (*Adapter, error) {
	port, portErr := freePort()
	if portErr != nil {
		return nil, fmt.Errorf("failed to allocate a port for the debug adapter: %w", portErr)
	}
	args := substitutePort(config.Args, strconv.Itoa(port))

	adapter, startErr := startProcess(newCommand(ctx, config, args, log), log)
	if startErr != nil {
		return nil, startErr
	}
	log.Info("Launched debug adapter process", "mode", ModeTCP, "command", args[0], "args", args[1:], "pid", adapter.Pid(), "port", port)

	timeout := config.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()
	go func() {
		select {
		case <-adapter.done:
			dialCancel()
		case <-dialCtx.Done():
		}
	}()

	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	transport, dialErr := Dial(dialCtx, address, timeout, log)
	if dialErr != nil {
		_ = adapter.Stop()
		select {
		case <-adapter.done:
			return nil, fmt.Errorf("debug adapter process exited before a connection could be established: %w", adapter.Wait())
		default:
			return nil, dialErr
		}
	}

	adapter.Transport = transport
	return adapter, nil
}

func newCommand(ctx context.Context, config Config, args []string, log logr.Logger) *exec.Cmd {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	env := os.Environ()
	if len(config.EnvFiles) > 0 {
		if fileEnv, err := godotenv.Read(config.EnvFiles...); err != nil {
			log.Error(err, "Environment settings from .env file(s) were not applied", "envFiles", config.EnvFiles)
		} else {
			env = append(env, envEntries(fileEnv)...)
		}
	}
	cmd.Env = append(env, config.Env...)
	cmd.Dir = config.Dir
	return cmd
}

func envEntries(vars map[string]string) []string {
	entries := make([]string, 0, len(vars))
	for name, value := range vars {
		entries = append(entries, name+"="+value)
	}
	slices.Sort(entries)
	return entries
}

// startProcess starts cmd, forwards its stderr to the log, and tracks its exit.
func startProcess(cmd *exec.Cmd, log logr.Logger) (*Adapter, error) {
	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	if startErr := cmd.Start(); startErr != nil {
		return nil, fmt.Errorf("failed to start debug adapter: %w", startErr)
	}

	adapter := &Adapter{
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: UnknownExitCode,
	}
	pid := cmd.Process.Pid
	stderrDone := make(chan struct{})

	go func() {
		defer close(stderrDone)
		logStderr(stderr, log.WithValues("pid", pid))
	}()

	go func() {
		// Wait closes the stderr pipe, so the output must be drained first.
		<-stderrDone
		waitErr := cmd.Wait()

		adapter.mu.Lock()
		adapter.exitErr = waitErr
		if cmd.ProcessState != nil {
			adapter.exitCode = cmd.ProcessState.ExitCode()
		}
		exitCode := adapter.exitCode
		adapter.mu.Unlock()
		close(adapter.done)

		if waitErr != nil {
			log.V(1).Info("Debug adapter process exited with error", "pid", pid, "exitCode", exitCode, "error", waitErr.Error())
		} else {
			log.V(1).Info("Debug adapter process exited", "pid", pid, "exitCode", exitCode)
		}
	}()

	return adapter, nil
}

// Dial connects to a debug adapter that is listening on address, retrying until timeout elapses.
func Dial(ctx context.Context, address string, timeout time.Duration, log logr.Logger) (dap.Transport, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	var dialer net.Dialer
	conn, err := resiliency.RetryGet(ctx, resiliency.DefaultBackoff(timeout), func() (net.Conn, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return dialer.DialContext(attemptCtx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to debug adapter at %s: %w", ErrConnectionTimeout, address, err)
	}

	log.Info("Connected to debug adapter", "address", address)
	return dap.NewStreamTransport(conn, log), nil
}

func substitutePort(args []string, port string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = strings.ReplaceAll(arg, PortPlaceholder, port)
	}
	return result
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// logStderr logs the adapter's stderr line by line.
func logStderr(stderr io.Reader, log logr.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			log.Info("Debug adapter stderr", "output", line)
		}
	}
}
