/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRequestTimeout applies to control requests (threads, stackTrace, setBreakpoints, ...).
	DefaultRequestTimeout = 5 * time.Second

	// DefaultTerminateTimeout bounds how long a session waits for the adapter to acknowledge 'disconnect'.
	DefaultTerminateTimeout = 3 * time.Second

	// DefaultStackPageSize is the number of frames requested per stackTrace page.
	DefaultStackPageSize = 20

	defaultOutboxCapacity = 16
)

// SessionConfig configures a Session. Zero values select the defaults.
type SessionConfig struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string

	// ParentID is the ID of the session whose startDebugging request created this one.
	ParentID string

	Logger logr.Logger

	// ClientID and ClientName are reported to the adapter in the initialize request.
	ClientID   string
	ClientName string
	Locale     string

	// DefaultTimeout is the deadline of control requests. Negative disables it.
	DefaultTimeout time.Duration

	// LongRunningTimeout is the deadline of requests that may legitimately take long
	// (launch, attach, continue, stepping, evaluate). Zero means no deadline.
	LongRunningTimeout time.Duration

	// TerminateTimeout bounds the 'disconnect' exchange during termination.
	TerminateTimeout time.Duration

	// StackPageSize is the number of frames requested per stackTrace page. Negative requests all frames at once.
	StackPageSize int

	// OutboxCapacity is the initial capacity of the outbound message queue. The queue grows as needed.
	OutboxCapacity int

	// ReverseHandlers services adapter-initiated requests, keyed by command.
	ReverseHandlers map[string]ReverseHandler

	// Listeners are subscribed before the session starts reading from the transport.
	Listeners []Listener

	// TracerProvider receives a span for every awaited request and for the startup handshake.
	// If nil, the global OpenTelemetry provider is used.
	TracerProvider trace.TracerProvider
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	if c.ClientID == "" {
		c.ClientID = "dapclient"
	}
	if c.ClientName == "" {
		c.ClientName = "DAP client"
	}
	if c.Locale == "" {
		c.Locale = "en-us"
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultRequestTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}
	if c.StackPageSize == 0 {
		c.StackPageSize = DefaultStackPageSize
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = defaultOutboxCapacity
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	return c
}

const (
	LaunchRequest = "launch"
	AttachRequest = "attach"
)

// LaunchConfig describes how to start debugging: the adapter type, the launch or attach
// arguments, and the breakpoints to install during the configuration phase.
type LaunchConfig struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Request string `yaml:"request" json:"request"`

	StopOnEntry bool `yaml:"stopOnEntry,omitempty" json:"stopOnEntry,omitempty"`

	// Breakpoints maps source paths to the line breakpoints declared in them.
	Breakpoints         map[string][]SourceBreakpointSpec `yaml:"breakpoints,omitempty" json:"breakpoints,omitempty"`
	FunctionBreakpoints []FunctionBreakpointSpec          `yaml:"functionBreakpoints,omitempty" json:"functionBreakpoints,omitempty"`

	// ExceptionFilters selects exception breakpoint filters. When nil, the filters
	// the adapter marks as default are used.
	ExceptionFilters []string `yaml:"exceptionFilters,omitempty" json:"exceptionFilters,omitempty"`

	// Arguments holds every other attribute; they are passed to the adapter verbatim.
	Arguments map[string]any `yaml:",inline" json:"-"`
}

// Validate checks that the configuration can be used to start a session.
func (lc LaunchConfig) Validate() error {
	var errs []error
	if lc.Request != LaunchRequest && lc.Request != AttachRequest {
		errs = append(errs, fmt.Errorf("request must be '%s' or '%s', got '%s'", LaunchRequest, AttachRequest, lc.Request))
	}
	for path, specs := range lc.Breakpoints {
		for _, spec := range specs {
			if spec.Line <= 0 {
				errs = append(errs, fmt.Errorf("breakpoint in '%s' has invalid line %d", path, spec.Line))
			}
		}
	}
	for _, fbp := range lc.FunctionBreakpoints {
		if fbp.Name == "" {
			errs = append(errs, fmt.Errorf("function breakpoint has no function name"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("launch configuration '%s' is invalid: %w", lc.Name, errors.Join(errs...))
	}
	return nil
}

// launchArguments builds the body of the launch/attach request.
func (lc LaunchConfig) launchArguments() map[string]any {
	args := make(map[string]any, len(lc.Arguments)+4)
	for k, v := range lc.Arguments {
		args[k] = v
	}
	if lc.Name != "" {
		args["name"] = lc.Name
	}
	if lc.Type != "" {
		args["type"] = lc.Type
	}
	args["request"] = lc.Request
	if lc.StopOnEntry {
		args["stopOnEntry"] = true
	}
	return args
}

type launchConfigFile struct {
	Configurations []LaunchConfig `yaml:"configurations"`
}

// ParseLaunchConfigs parses a YAML (or JSON) document with a top-level 'configurations' list.
func ParseLaunchConfigs(data []byte) ([]LaunchConfig, error) {
	var file launchConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse launch configurations: %w", err)
	}
	if len(file.Configurations) == 0 {
		return nil, fmt.Errorf("no launch configurations found")
	}

	var errs []error
	seen := make(map[string]bool, len(file.Configurations))
	for _, lc := range file.Configurations {
		if err := lc.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[lc.Name] {
			errs = append(errs, fmt.Errorf("duplicate launch configuration name '%s'", lc.Name))
		}
		seen[lc.Name] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Configurations, nil
}

// LoadLaunchConfigs reads launch configurations from a file.
func LoadLaunchConfigs(path string) ([]LaunchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch configuration file '%s': %w", path, err)
	}
	return ParseLaunchConfigs(data)
}

// FindLaunchConfig returns the configuration with the given name.
// An empty name selects the only configuration when there is exactly one.
func FindLaunchConfig(configs []LaunchConfig, name string) (LaunchConfig, error) {
	if name == "" {
		if len(configs) == 1 {
			return configs[0], nil
		}
		return LaunchConfig{}, fmt.Errorf("a configuration name is required when %d configurations are available", len(configs))
	}

	for _, lc := range configs {
		if lc.Name == name {
			return lc, nil
		}
	}
	return LaunchConfig{}, fmt.Errorf("launch configuration '%s' not found", name)
}
