/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapclient/pkg/testutil"
)

func declareLines(bs *breakpointStore, path string, lines ...int) uint64 {
	source := dap.Source{Path: path}
	bps := make([]*Breakpoint, len(lines))
	for i, line := range lines {
		bps[i] = &Breakpoint{Requested: &SourceBreakpointSpec{Line: line}, Source: source, Line: line}
	}
	return bs.declare(SourceKey(source), source, bps)
}

func TestSourceKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/src/a.go", SourceKey(dap.Source{Path: "/src/a.go", Name: "a.go", SourceReference: 3}))
	require.Equal(t, "<source 3>", SourceKey(dap.Source{Name: "a.go", SourceReference: 3}))
	require.Equal(t, "a.go", SourceKey(dap.Source{Name: "a.go"}))
	require.Equal(t, "", SourceKey(dap.Source{}))
}

func TestAcknowledgmentIsPositional(t *testing.T) {
	t.Parallel()

	bs := newBreakpointStore(logr.Discard())
	gen := declareLines(bs, "/src/a.go", 10, 20)

	changed := bs.acknowledge("/src/a.go", gen, []dap.Breakpoint{
		{Id: 1, Verified: true, Line: 11},
		{Id: 2, Verified: false, Message: "no code at line 20"},
	}, nil)
	require.True(t, changed)

	bps := bs.snapshot("/src/a.go")
	require.Len(t, bps, 2)
	require.Equal(t, 1, bps[0].ID)
	require.True(t, bps[0].Verified)
	require.Equal(t, 11, bps[0].Line, "the adapter may move a breakpoint")
	require.Equal(t, 10, bps[0].Requested.Line)
	require.Equal(t, 2, bps[1].ID)
	require.False(t, bps[1].Verified)
	require.Equal(t, 20, bps[1].Line)
	require.Equal(t, "no code at line 20", bps[1].Message)
}

func TestAcknowledgmentCountMismatch(t *testing.T) {
	t.Parallel()

	t.Run("fewer", func(t *testing.T) {
		t.Parallel()
		bs := newBreakpointStore(logr.Discard())
		gen := declareLines(bs, "/src/a.go", 10, 20, 30)

		require.True(t, bs.acknowledge("/src/a.go", gen, []dap.Breakpoint{{Id: 1, Verified: true}}, nil))

		bps := bs.snapshot("/src/a.go")
		require.Len(t, bps, 3)
		require.True(t, bps[0].Verified)
		for _, bp := range bps[1:] {
			require.False(t, bp.Verified)
			require.Equal(t, "the debug adapter did not acknowledge this breakpoint", bp.Message)
		}
	})

	t.Run("more", func(t *testing.T) {
		t.Parallel()
		bs := newBreakpointStore(logr.Discard())
		gen := declareLines(bs, "/src/a.go", 10)

		require.True(t, bs.acknowledge("/src/a.go", gen, []dap.Breakpoint{
			{Id: 1, Verified: true},
			{Id: 2, Verified: true},
		}, nil))

		bps := bs.snapshot("/src/a.go")
		require.Len(t, bps, 1, "surplus acknowledgments are ignored")
		require.Equal(t, 1, bps[0].ID)
	})
}

func TestSupersededAcknowledgmentIsIgnored(t *testing.T) {
	t.Parallel()

	bs := newBreakpointStore(logr.Discard())
	oldGen := declareLines(bs, "/src/a.go", 10)
	newGen := declareLines(bs, "/src/a.go", 10, 40)
	require.Greater(t, newGen, oldGen)

	require.False(t, bs.acknowledge("/src/a.go", oldGen, []dap.Breakpoint{{Id: 1, Verified: true}}, nil))
	bps := bs.snapshot("/src/a.go")
	require.Len(t, bps, 2)
	require.False(t, bps[0].Verified)

	require.False(t, bs.acknowledge("/src/other.go", 1, nil, nil))
}

func TestFailedAcknowledgmentLeavesBreakpointsUnverified(t *testing.T) {
	t.Parallel()

	bs := newBreakpointStore(logr.Discard())
	gen := declareLines(bs, "/src/a.go", 10, 20)

	require.True(t, bs.acknowledge("/src/a.go", gen, nil, errors.New("source not loaded")))
	for _, bp := range bs.snapshot("/src/a.go") {
		require.False(t, bp.Verified)
		require.Equal(t, "source not loaded", bp.Message)
	}
}

func TestBreakpointEvents(t *testing.T) {
	t.Parallel()

	bs := newBreakpointStore(logr.Discard())
	gen := declareLines(bs, "/src/a.go", 10)
	require.True(t, bs.acknowledge("/src/a.go", gen, []dap.Breakpoint{{Id: 7, Verified: false}}, nil))

	require.True(t, bs.onEvent(dap.BreakpointEventBody{Reason: "changed", Breakpoint: dap.Breakpoint{Id: 7, Verified: true, Line: 12}}))
	bps := bs.snapshot("/src/a.go")
	require.True(t, bps[0].Verified)
	require.Equal(t, 12, bps[0].Line)

	require.False(t, bs.onEvent(dap.BreakpointEventBody{Reason: "changed", Breakpoint: dap.Breakpoint{Id: 99, Verified: true}}))

	require.True(t, bs.onEvent(dap.BreakpointEventBody{Reason: "new", Breakpoint: dap.Breakpoint{
		Id:       8,
		Verified: true,
		Line:     50,
		Source:   &dap.Source{Path: "/src/b.go"},
	}}))
	added := bs.snapshot("/src/b.go")
	require.Len(t, added, 1)
	require.Nil(t, added[0].Requested, "breakpoints created by the adapter have no declaration")
	require.Equal(t, 50, added[0].Line)

	// Source-less breakpoints created by the adapter are kept apart from function breakpoints.
	require.True(t, bs.onEvent(dap.BreakpointEventBody{Reason: "new", Breakpoint: dap.Breakpoint{
		Id:                   9,
		Verified:             true,
		InstructionReference: "0x4005d0",
	}}))
	require.Empty(t, bs.snapshot(functionBreakpointsKey))
	unsourced := bs.snapshot(adapterBreakpointsKey)
	require.Len(t, unsourced, 1)
	require.Equal(t, 9, unsourced[0].ID)

	// A 'new' event for a known id updates the existing breakpoint.
	require.True(t, bs.onEvent(dap.BreakpointEventBody{Reason: "new", Breakpoint: dap.Breakpoint{Id: 7, Verified: true, Line: 13}}))
	require.Len(t, bs.snapshot("/src/a.go"), 1)
	require.Equal(t, 13, bs.snapshot("/src/a.go")[0].Line)

	require.True(t, bs.onEvent(dap.BreakpointEventBody{Reason: "removed", Breakpoint: dap.Breakpoint{Id: 7}}))
	require.Empty(t, bs.snapshot("/src/a.go"))
	require.False(t, bs.onEvent(dap.BreakpointEventBody{Reason: "removed", Breakpoint: dap.Breakpoint{Id: 7}}))
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	bs := newBreakpointStore(logr.Discard())
	declareLines(bs, "/src/a.go", 10)

	bps := bs.snapshot("/src/a.go")
	bps[0].Verified = true
	bps[0].Requested.Line = 99

	fresh := bs.snapshot("/src/a.go")
	require.False(t, fresh[0].Verified)
	require.Equal(t, 10, fresh[0].Requested.Line)
}

func TestSessionBreakpoints(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	rl := &recordingListener{}
	s, fa := startTestSession(t, ctx, SessionConfig{Listeners: []Listener{rl}})
	source := dap.Source{Name: "lib.go", Path: "/src/lib.go"}

	_, err := s.SetBreakpoints(dap.Source{}, []SourceBreakpointSpec{{Line: 1}})
	require.Error(t, err)

	call, err := s.SetBreakpoints(source, []SourceBreakpointSpec{{Line: 5}, {Line: 9, LogMessage: "hit {x}"}})
	require.NoError(t, err)
	_, err = call.Wait(ctx)
	require.NoError(t, err)

	bps := s.Breakpoints(source)
	require.Len(t, bps, 2)
	require.Equal(t, 100, bps[0].ID)
	require.Equal(t, 101, bps[1].ID)
	require.Equal(t, "hit {x}", bps[1].Requested.LogMessage)
	require.Contains(t, s.AllBreakpoints(), "/src/lib.go")

	req := fa.requestsFor(CommandSetBreakpoints)[0].(*dap.SetBreakpointsRequest)
	require.Equal(t, "hit {x}", req.Arguments.Breakpoints[1].LogMessage)

	fa.emit("breakpoint", dap.BreakpointEventBody{Reason: "removed", Breakpoint: dap.Breakpoint{Id: 100}})
	waitFor(t, ctx, "breakpoint removal", func() bool { return len(s.Breakpoints(source)) == 1 })

	// One invalidation for the acknowledgment and one for the event.
	waitFor(t, ctx, "breakpoint invalidations", func() bool {
		invalidations := 0
		for _, inv := range rl.invalidated() {
			if len(inv.Areas) == 1 && inv.Areas[0] == InvalidatedBreakpoints {
				invalidations++
			}
		}
		return invalidations == 2
	})

	fbCall, err := s.SetFunctionBreakpoints([]FunctionBreakpointSpec{{Name: "main.run"}})
	require.NoError(t, err)
	_, err = fbCall.Wait(ctx)
	require.NoError(t, err)
	fbps := s.FunctionBreakpoints()
	require.Len(t, fbps, 1)
	require.Equal(t, "main.run", fbps[0].FunctionName)
	require.False(t, fbps[0].Verified, "the fake adapter sends no breakpoints back")
	require.NotContains(t, s.AllBreakpoints(), functionBreakpointsKey)

	fa.emit("breakpoint", dap.BreakpointEventBody{Reason: "new", Breakpoint: dap.Breakpoint{Id: 300, Verified: true, InstructionReference: "0x1000"}})
	waitFor(t, ctx, "adapter breakpoint", func() bool { return len(s.AdapterBreakpoints()) == 1 })
	require.Len(t, s.FunctionBreakpoints(), 1)
	require.NotContains(t, s.AllBreakpoints(), adapterBreakpointsKey)

	exCall, err := s.SetExceptionBreakpoints([]string{"uncaught"})
	require.NoError(t, err)
	_, err = exCall.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"uncaught"}, s.ExceptionFilters())
}

func TestRejectedBreakpointsStayDeclared(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	s, fa := startTestSession(t, ctx, SessionConfig{})
	fa.handle(CommandSetBreakpoints, func(fa *fakeAdapter, req dap.RequestMessage) {
		fa.fail(req, "source not loaded")
	})
	source := dap.Source{Path: "/src/late.go"}

	call, err := s.SetBreakpoints(source, []SourceBreakpointSpec{{Line: 3}})
	require.NoError(t, err)
	_, err = call.Wait(ctx)
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)

	bps := s.Breakpoints(source)
	require.Len(t, bps, 1)
	require.False(t, bps[0].Verified)
	require.Contains(t, bps[0].Message, "source not loaded")
}
