/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

const (
	functionBreakpointsKey = "<functions>"

	// Breakpoints the adapter reports without a source (instruction or data breakpoints, for example).
	adapterBreakpointsKey = "<adapter>"
)

// SourceBreakpointSpec is a line breakpoint as the user declared it.
type SourceBreakpointSpec struct {
	Line         int    `yaml:"line" json:"line"`
	Column       int    `yaml:"column,omitempty" json:"column,omitempty"`
	Condition    string `yaml:"condition,omitempty" json:"condition,omitempty"`
	HitCondition string `yaml:"hitCondition,omitempty" json:"hitCondition,omitempty"`
	LogMessage   string `yaml:"logMessage,omitempty" json:"logMessage,omitempty"`
}

// FunctionBreakpointSpec is a function breakpoint as the user declared it.
type FunctionBreakpointSpec struct {
	Name         string `yaml:"name" json:"name"`
	Condition    string `yaml:"condition,omitempty" json:"condition,omitempty"`
	HitCondition string `yaml:"hitCondition,omitempty" json:"hitCondition,omitempty"`
}

// Breakpoint is the client's view of a breakpoint: what was requested and what the adapter reported.
type Breakpoint struct {
	// Requested is the user's declaration. It is nil for breakpoints the adapter created on its own.
	Requested *SourceBreakpointSpec

	// FunctionName is set for function breakpoints.
	FunctionName string

	Source dap.Source

	// ID is the adapter-assigned identifier, 0 until the adapter acknowledges the breakpoint.
	ID       int
	Verified bool
	Line     int
	Column   int
	Message  string
}

func (bp *Breakpoint) apply(ack dap.Breakpoint) {
	if ack.Id != 0 {
		bp.ID = ack.Id
	}
	bp.Verified = ack.Verified
	bp.Message = ack.Message
	if ack.Line > 0 {
		bp.Line = ack.Line
	}
	if ack.Column > 0 {
		bp.Column = ack.Column
	}
	if ack.Source != nil && (ack.Source.Path != "" || ack.Source.SourceReference > 0) {
		bp.Source = *ack.Source
	}
}

// SourceKey returns the identity under which breakpoints of a source are tracked.
func SourceKey(src dap.Source) string {
	switch {
	case src.Path != "":
		return src.Path
	case src.SourceReference > 0:
		return fmt.Sprintf("<source %d>", src.SourceReference)
	default:
		return src.Name
	}
}

type breakpointSet struct {
	source      dap.Source
	breakpoints []*Breakpoint

	// generation identifies the most recent declaration; acknowledgments of older ones are ignored.
	generation uint64
}

// breakpointStore holds declared breakpoints per source. It is not synchronized; the owning Session guards it.
type breakpointStore struct {
	sets             map[string]*breakpointSet
	exceptionFilters []string
	log              logr.Logger
}

func newBreakpointStore(log logr.Logger) *breakpointStore {
	return &breakpointStore{
		sets: make(map[string]*breakpointSet),
		log:  log,
	}
}

// declare replaces the breakpoints of a source and returns the generation of the new declaration.
func (bs *breakpointStore) declare(key string, source dap.Source, bps []*Breakpoint) uint64 {
	set, found := bs.sets[key]
	if !found {
		set = &breakpointSet{}
		bs.sets[key] = set
	}
	set.source = source
	set.breakpoints = bps
	set.generation++
	return set.generation
}

// acknowledge reconciles an adapter response with the declaration it answers.
// Acknowledgments are matched by array position. Returns true if the store changed.
func (bs *breakpointStore) acknowledge(key string, generation uint64, acks []dap.Breakpoint, ackErr error) bool {
	set, found := bs.sets[key]
	if !found || set.generation != generation {
		bs.log.V(1).Info("Ignoring acknowledgment for superseded breakpoint set", "source", key)
		return false
	}

	if ackErr != nil {
		for _, bp := range set.breakpoints {
			bp.Verified = false
			bp.Message = ackErr.Error()
		}
		return true
	}

	if len(acks) != len(set.breakpoints) {
		bs.log.Info("Breakpoint acknowledgment count does not match the request",
			"source", key,
			"requested", len(set.breakpoints),
			"acknowledged", len(acks),
			"reason", ErrProtocolAnomaly.Error(),
		)
	}

	for i, bp := range set.breakpoints {
		if i < len(acks) {
			bp.apply(acks[i])
		} else {
			bp.Verified = false
			bp.Message = "the debug adapter did not acknowledge this breakpoint"
		}
	}
	return true
}

// onEvent applies a 'breakpoint' event. Returns true if the store changed.
func (bs *breakpointStore) onEvent(body dap.BreakpointEventBody) bool {
	ack := body.Breakpoint

	switch body.Reason {
	case "new":
		if ack.Id != 0 {
			if _, existing := bs.findByID(ack.Id); existing != nil {
				existing.apply(ack)
				return true
			}
		}
		key := adapterBreakpointsKey
		var source dap.Source
		if ack.Source != nil {
			source = *ack.Source
			key = SourceKey(source)
		}
		set, found := bs.sets[key]
		if !found {
			set = &breakpointSet{source: source}
			bs.sets[key] = set
		}
		bp := &Breakpoint{Source: source}
		bp.apply(ack)
		set.breakpoints = append(set.breakpoints, bp)
		return true

	case "removed":
		set, existing := bs.findByID(ack.Id)
		if existing == nil {
			return false
		}
		for i, bp := range set.breakpoints {
			if bp == existing {
				set.breakpoints = append(set.breakpoints[:i:i], set.breakpoints[i+1:]...)
				break
			}
		}
		return true

	default:
		_, existing := bs.findByID(ack.Id)
		if existing == nil {
			bs.log.V(1).Info("Breakpoint event refers to an unknown breakpoint", "reason", body.Reason, "id", ack.Id)
			return false
		}
		existing.apply(ack)
		return true
	}
}

func (bs *breakpointStore) findByID(id int) (*breakpointSet, *Breakpoint) {
	if id == 0 {
		return nil, nil
	}
	for _, set := range bs.sets {
		for _, bp := range set.breakpoints {
			if bp.ID == id {
				return set, bp
			}
		}
	}
	return nil, nil
}

func (bs *breakpointStore) snapshot(key string) []Breakpoint {
	set, found := bs.sets[key]
	if !found {
		return nil
	}
	bps := make([]Breakpoint, 0, len(set.breakpoints))
	for _, bp := range set.breakpoints {
		copied := *bp
		if bp.Requested != nil {
			spec := *bp.Requested
			copied.Requested = &spec
		}
		bps = append(bps, copied)
	}
	return bps
}

func (bs *breakpointStore) keys() []string {
	keys := make([]string, 0, len(bs.sets))
	for key := range bs.sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SetBreakpoints replaces every line breakpoint of source with specs.
// The declared breakpoints are visible through Breakpoints immediately (unverified);
// the adapter's acknowledgment is applied by array position when the response arrives.
func (s *Session) SetBreakpoints(source dap.Source, specs []SourceBreakpointSpec) (*Call, error) {
	key := SourceKey(source)
	if key == "" {
		return nil, fmt.Errorf("breakpoint source has no path, name or source reference")
	}

	declared := make([]*Breakpoint, len(specs))
	args := &dap.SetBreakpointsArguments{
		Source:      source,
		Breakpoints: make([]dap.SourceBreakpoint, len(specs)),
	}
	for i, spec := range specs {
		declared[i] = &Breakpoint{
			Requested: &spec,
			Source:    source,
			Line:      spec.Line,
			Column:    spec.Column,
		}
		args.Breakpoints[i] = dap.SourceBreakpoint{
			Line:         spec.Line,
			Column:       spec.Column,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
			LogMessage:   spec.LogMessage,
		}
	}

	s.mu.Lock()
	var generation uint64
	call, err := s.sendLocked(CommandSetBreakpoints, args, nil, func(resp dap.Message, respErr error) []notification {
		var acks []dap.Breakpoint
		if typed, isTyped := resp.(*dap.SetBreakpointsResponse); isTyped {
			acks = typed.Body.Breakpoints
		}
		if s.breakpoints.acknowledge(key, generation, acks, respErr) {
			return []notification{invalidationNote(Invalidation{Areas: []string{InvalidatedBreakpoints}})}
		}
		return nil
	})
	if err == nil {
		generation = s.breakpoints.declare(key, source, declared)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return call, nil
}

// SetFunctionBreakpoints replaces every function breakpoint.
func (s *Session) SetFunctionBreakpoints(specs []FunctionBreakpointSpec) (*Call, error) {
	declared := make([]*Breakpoint, len(specs))
	args := &dap.SetFunctionBreakpointsArguments{
		Breakpoints: make([]dap.FunctionBreakpoint, len(specs)),
	}
	for i, spec := range specs {
		declared[i] = &Breakpoint{FunctionName: spec.Name}
		args.Breakpoints[i] = dap.FunctionBreakpoint{
			Name:         spec.Name,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
		}
	}

	s.mu.Lock()
	var generation uint64
	call, err := s.sendLocked(CommandSetFunctionBreakpoints, args, nil, func(resp dap.Message, respErr error) []notification {
		var acks []dap.Breakpoint
		if typed, isTyped := resp.(*dap.SetFunctionBreakpointsResponse); isTyped {
			acks = typed.Body.Breakpoints
		}
		if s.breakpoints.acknowledge(functionBreakpointsKey, generation, acks, respErr) {
			return []notification{invalidationNote(Invalidation{Areas: []string{InvalidatedBreakpoints}})}
		}
		return nil
	})
	if err == nil {
		generation = s.breakpoints.declare(functionBreakpointsKey, dap.Source{}, declared)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return call, nil
}

// SetExceptionBreakpoints selects the exception filters the adapter should break on.
func (s *Session) SetExceptionBreakpoints(filters []string) (*Call, error) {
	if filters == nil {
		filters = []string{}
	}

	s.mu.Lock()
	call, err := s.sendLocked(CommandSetExceptionBreakpoints, &dap.SetExceptionBreakpointsArguments{Filters: filters}, nil, nil)
	if err == nil {
		s.breakpoints.exceptionFilters = append([]string(nil), filters...)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return call, nil
}

// Breakpoints returns a snapshot of the breakpoints of a source.
func (s *Session) Breakpoints(source dap.Source) []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.snapshot(SourceKey(source))
}

// FunctionBreakpoints returns a snapshot of the function breakpoints.
func (s *Session) FunctionBreakpoints() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.snapshot(functionBreakpointsKey)
}

// AdapterBreakpoints returns a snapshot of the breakpoints the adapter created without a source.
func (s *Session) AdapterBreakpoints() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints.snapshot(adapterBreakpointsKey)
}

// AllBreakpoints returns a snapshot of every source breakpoint, keyed by SourceKey.
func (s *Session) AllBreakpoints() map[string][]Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string][]Breakpoint)
	for _, key := range s.breakpoints.keys() {
		if key == functionBreakpointsKey || key == adapterBreakpointsKey {
			continue
		}
		all[key] = s.breakpoints.snapshot(key)
	}
	return all
}

// ExceptionFilters returns the exception filters most recently sent to the adapter.
func (s *Session) ExceptionFilters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.breakpoints.exceptionFilters...)
}
