/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"fmt"
	"sort"

	"github.com/google/go-dap"
)

// noOwner marks variable references whose thread is unknown (for example evaluation results).
// They are dropped by every invalidation.
const noOwner = -1

// threadStack is the cached call stack of one thread.
type threadStack struct {
	frames   []dap.StackFrame
	total    int
	complete bool
}

// VariablesPage selects a range of children of a variables reference.
// Zero values request all children.
type VariablesPage struct {
	// Filter is "indexed", "named" or empty for both.
	Filter string
	Start  int
	Count  int
}

type variablesKey struct {
	ref  int
	page VariablesPage
}

// cacheStamp captures the cache generation that a request was issued against.
// A response is stored only if the generation has not moved since.
type cacheStamp struct {
	global uint64
	thread uint64
}

// runtimeModel caches what the adapter reported about the debuggee.
// It is not synchronized; the owning Session guards it.
type runtimeModel struct {
	threads      map[int]dap.Thread
	threadsKnown bool
	threadsGen   uint64

	generation uint64
	threadGen  map[int]uint64

	stacks      map[int]*threadStack
	frameThread map[int]int
	scopes      map[int][]dap.Scope
	variables   map[variablesKey][]dap.Variable
	refThread   map[int]int

	stoppedThreads map[int]bool
	lastStop       *dap.StoppedEventBody

	modules map[string]dap.Module
}

func newRuntimeModel() *runtimeModel {
	m := &runtimeModel{
		threads:        make(map[int]dap.Thread),
		threadGen:      make(map[int]uint64),
		stoppedThreads: make(map[int]bool),
		modules:        make(map[string]dap.Module),
	}
	m.clearCaches()
	return m
}

func (m *runtimeModel) clearCaches() {
	m.stacks = make(map[int]*threadStack)
	m.frameThread = make(map[int]int)
	m.scopes = make(map[int][]dap.Scope)
	m.variables = make(map[variablesKey][]dap.Variable)
	m.refThread = make(map[int]int)
}

// reset forgets everything, as when the session ends.
func (m *runtimeModel) reset() {
	m.generation++
	m.threadsGen++
	m.threads = make(map[int]dap.Thread)
	m.threadsKnown = false
	m.threadGen = make(map[int]uint64)
	m.stoppedThreads = make(map[int]bool)
	m.lastStop = nil
	m.modules = make(map[string]dap.Module)
	m.clearCaches()
}

func (m *runtimeModel) stamp(threadID int) cacheStamp {
	st := cacheStamp{global: m.generation}
	if threadID != noOwner {
		st.thread = m.threadGen[threadID]
	}
	return st
}

func (m *runtimeModel) current(threadID int, st cacheStamp) bool {
	return st == m.stamp(threadID)
}

// invalidateAll drops frames, scopes and variables of every thread.
func (m *runtimeModel) invalidateAll() {
	m.generation++
	m.clearCaches()
}

// invalidateThread drops the frames of one thread together with the scopes and variables reachable from them.
func (m *runtimeModel) invalidateThread(threadID int) {
	m.threadGen[threadID]++
	delete(m.stacks, threadID)

	for frameID, owner := range m.frameThread {
		if owner == threadID {
			delete(m.frameThread, frameID)
			delete(m.scopes, frameID)
		}
	}

	dropped := make(map[int]bool)
	for ref, owner := range m.refThread {
		if owner == threadID || owner == noOwner {
			dropped[ref] = true
			delete(m.refThread, ref)
		}
	}
	for key := range m.variables {
		if dropped[key.ref] {
			delete(m.variables, key)
		}
	}
}

func (m *runtimeModel) invalidateVariables() {
	m.generation++
	m.scopes = make(map[int][]dap.Scope)
	m.variables = make(map[variablesKey][]dap.Variable)
	m.refThread = make(map[int]int)
}

func (m *runtimeModel) invalidateFrameScopes(frameID int) {
	m.generation++
	for _, scope := range m.scopes[frameID] {
		m.dropReference(scope.VariablesReference)
	}
	delete(m.scopes, frameID)
}

func (m *runtimeModel) dropReference(ref int) {
	delete(m.refThread, ref)
	for key := range m.variables {
		if key.ref == ref {
			delete(m.variables, key)
		}
	}
}

// onStopped records a stop and returns the resulting invalidation.
func (m *runtimeModel) onStopped(body dap.StoppedEventBody) Invalidation {
	stop := body
	m.lastStop = &stop
	m.threadsKnown = false

	if body.AllThreadsStopped || body.ThreadId == 0 {
		for id := range m.threads {
			m.stoppedThreads[id] = true
		}
		if body.ThreadId != 0 {
			m.stoppedThreads[body.ThreadId] = true
		}
		m.invalidateAll()
		return Invalidation{Areas: []string{InvalidatedStacks, InvalidatedVariables}, AllThreads: true}
	}

	m.stoppedThreads[body.ThreadId] = true
	m.invalidateThread(body.ThreadId)
	return Invalidation{Areas: []string{InvalidatedStacks, InvalidatedVariables}, ThreadID: body.ThreadId}
}

// onResumed records that one thread (or every thread) continued executing.
func (m *runtimeModel) onResumed(threadID int, allThreads bool) Invalidation {
	if allThreads || threadID <= 0 {
		m.stoppedThreads = make(map[int]bool)
		m.lastStop = nil
		m.invalidateAll()
		return Invalidation{Areas: []string{InvalidatedStacks, InvalidatedVariables}, AllThreads: true}
	}

	delete(m.stoppedThreads, threadID)
	if m.lastStop != nil && m.lastStop.ThreadId == threadID {
		m.lastStop = nil
	}
	// Variable references are only valid while the debuggee is suspended, so other threads keep
	// their stacks but lose their scopes and variables.
	m.invalidateThread(threadID)
	m.invalidateVariables()
	return Invalidation{Areas: []string{InvalidatedStacks, InvalidatedVariables}, ThreadID: threadID}
}

func (m *runtimeModel) anyThreadStopped() bool {
	return len(m.stoppedThreads) > 0
}

func (m *runtimeModel) onThreadEvent(body dap.ThreadEventBody) Invalidation {
	m.threadsGen++
	switch body.Reason {
	case "exited":
		delete(m.threads, body.ThreadId)
		delete(m.stoppedThreads, body.ThreadId)
		m.invalidateThread(body.ThreadId)
		delete(m.threadGen, body.ThreadId)
	default:
		if _, known := m.threads[body.ThreadId]; !known {
			m.threads[body.ThreadId] = dap.Thread{Id: body.ThreadId, Name: fmt.Sprintf("Thread %d", body.ThreadId)}
		}
	}
	return Invalidation{Areas: []string{InvalidatedThreads}, ThreadID: body.ThreadId}
}

// storeThreads records a 'threads' response issued when threadsGen was gen.
func (m *runtimeModel) storeThreads(gen uint64, threads []dap.Thread) {
	if gen == m.threadsGen {
		// Nothing changed while the request was in flight, so the response is authoritative.
		m.threads = make(map[int]dap.Thread, len(threads))
		m.threadsKnown = true
	}
	for _, t := range threads {
		m.threads[t.Id] = t
	}
}

func (m *runtimeModel) threadList() []dap.Thread {
	threads := make([]dap.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].Id < threads[j].Id })
	return threads
}

// storeFrames records one page of a thread's stack. levels is the page size that was requested (0 for all).
func (m *runtimeModel) storeFrames(threadID int, st cacheStamp, startFrame, levels int, frames []dap.StackFrame, total int) bool {
	if !m.current(threadID, st) {
		return false
	}

	stack, found := m.stacks[threadID]
	switch {
	case startFrame == 0 || !found:
		stack = &threadStack{}
		m.stacks[threadID] = stack
	case startFrame != len(stack.frames):
		// A page that does not extend the cached prefix cannot be stitched in.
		return false
	}

	stack.frames = append(stack.frames, frames...)
	stack.total = total
	stack.complete = levels == 0 || len(frames) < levels || (total > 0 && len(stack.frames) >= total)
	for _, f := range frames {
		m.frameThread[f.Id] = threadID
	}
	return true
}

func (m *runtimeModel) cachedStack(threadID int) (*threadStack, bool) {
	stack, found := m.stacks[threadID]
	return stack, found
}

// frameOwner returns the thread a frame belongs to, or noOwner if the frame is not cached.
func (m *runtimeModel) frameOwner(frameID int) int {
	if owner, found := m.frameThread[frameID]; found {
		return owner
	}
	return noOwner
}

func (m *runtimeModel) referenceOwner(ref int) int {
	if owner, found := m.refThread[ref]; found {
		return owner
	}
	return noOwner
}

func (m *runtimeModel) storeScopes(frameID, owner int, st cacheStamp, scopes []dap.Scope) bool {
	if !m.current(owner, st) {
		return false
	}
	m.scopes[frameID] = scopes
	for _, s := range scopes {
		m.ownReference(s.VariablesReference, owner)
	}
	return true
}

func (m *runtimeModel) storeVariables(key variablesKey, owner int, st cacheStamp, vars []dap.Variable) bool {
	if !m.current(owner, st) {
		return false
	}
	m.variables[key] = vars
	for _, v := range vars {
		m.ownReference(v.VariablesReference, owner)
	}
	return true
}

func (m *runtimeModel) ownReference(ref, owner int) {
	if ref > 0 {
		m.refThread[ref] = owner
	}
}

func (m *runtimeModel) onModuleEvent(body dap.ModuleEventBody) Invalidation {
	id := fmt.Sprint(body.Module.Id)
	switch body.Reason {
	case "removed":
		delete(m.modules, id)
	default:
		m.modules[id] = body.Module
	}
	return Invalidation{Areas: []string{InvalidatedModules}}
}

func (m *runtimeModel) moduleList() []dap.Module {
	modules := make([]dap.Module, 0, len(m.modules))
	for _, mod := range m.modules {
		modules = append(modules, mod)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })
	return modules
}

// onInvalidated applies an 'invalidated' event.
func (m *runtimeModel) onInvalidated(body dap.InvalidatedEventBody) Invalidation {
	inv := Invalidation{ThreadID: body.ThreadId, StackFrameID: body.StackFrameId}

	areas := make([]string, 0, len(body.Areas))
	for _, a := range body.Areas {
		areas = append(areas, string(a))
	}
	if len(areas) == 0 {
		areas = []string{InvalidatedAll}
	}

	for _, area := range areas {
		switch area {
		case InvalidatedThreads:
			m.threadsKnown = false
			m.threadsGen++
		case InvalidatedStacks:
			if body.ThreadId > 0 {
				m.invalidateThread(body.ThreadId)
			} else {
				m.invalidateAll()
				inv.AllThreads = true
			}
		case InvalidatedVariables:
			if body.StackFrameId > 0 {
				m.invalidateFrameScopes(body.StackFrameId)
			} else {
				m.invalidateVariables()
			}
		default:
			// "all" and areas this client does not know about.
			m.threadsKnown = false
			m.threadsGen++
			m.invalidateAll()
			inv.AllThreads = true
		}
	}

	inv.Areas = areas
	return inv
}
