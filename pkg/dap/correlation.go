// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

// settleFunc applies the side effects of a resolved request to session state.
// It runs exactly once per request, before the caller observes the result.
type settleFunc func(resp dap.Message, err error)

// pendingRequest tracks a request that is awaiting a response.
type pendingRequest struct {
	seq     int
	command string
	call    *Call
	settle  settleFunc
	sentAt  time.Time

	// timer enforces the request deadline; nil when the request has no deadline.
	timer *time.Timer
}

// correlationTable matches responses to outstanding requests by sequence number.
// Removing an entry from the table is the single point of resolution: whoever removes it
// (response, timeout, cancellation or shutdown) completes the call, and nobody else can.
type correlationTable struct {
	mu       sync.Mutex
	requests map[int]*pendingRequest

	// closedErr is set by failAll; later registrations fail with it immediately.
	closedErr error

	log logr.Logger

	// post runs f on the session loop and reports whether the loop accepted it.
	post func(f func()) bool
}

func newCorrelationTable(log logr.Logger, post func(f func()) bool) *correlationTable {
	if post == nil {
		post = func(f func()) bool {
			f()
			return true
		}
	}
	return &correlationTable{
		requests: make(map[int]*pendingRequest),
		log:      log,
		post:     post,
	}
}

// add registers a request. A positive timeout arms a deadline timer.
func (t *correlationTable) add(p *pendingRequest, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedErr != nil {
		return t.closedErr
	}
	if _, exists := t.requests[p.seq]; exists {
		return fmt.Errorf("a request with sequence number %d is already pending", p.seq)
	}

	p.sentAt = time.Now()
	t.requests[p.seq] = p
	if timeout > 0 {
		seq := p.seq
		p.timer = time.AfterFunc(timeout, func() { t.expire(seq, timeout) })
	}
	return nil
}

// take retrieves and removes a pending request from the table.
// Returns nil if no request exists for the given sequence number.
func (t *correlationTable) take(seq int) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.requests[seq]
	if !found {
		return nil
	}
	delete(t.requests, seq)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// len returns the number of pending requests.
func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// resolve completes the request that resp answers. Must be called on the session loop.
// Returns false (and logs the anomaly) if no request is waiting for this response.
func (t *correlationTable) resolve(resp dap.ResponseMessage) bool {
	r := resp.GetResponse()
	p := t.take(r.RequestSeq)
	if p == nil {
		t.log.Info("Received response for unknown request",
			"requestSeq", r.RequestSeq,
			"command", r.Command,
			"reason", ErrProtocolAnomaly.Error(),
		)
		return false
	}

	t.log.V(1).Info("Request completed",
		"seq", p.seq,
		"command", p.command,
		"success", r.Success,
		"duration", time.Since(p.sentAt).String(),
	)
	t.finish(p, resp, responseError(resp))
	return true
}

func (t *correlationTable) expire(seq int, timeout time.Duration) {
	p := t.take(seq)
	if p == nil {
		return
	}

	err := fmt.Errorf("%w: '%s' (seq %d) got no response within %s", ErrRequestTimeout, p.command, p.seq, timeout)
	t.log.Info("Request timed out", "seq", p.seq, "command", p.command, "timeout", timeout.String())
	if !t.post(func() { t.finish(p, nil, err) }) {
		t.finish(p, nil, err)
	}
}

// cancel removes the call's request from the table and fails it with ErrRequestCancelled.
func (t *correlationTable) cancel(call *Call) bool {
	p := t.take(call.Seq)
	if p == nil {
		return false
	}

	t.log.V(1).Info("Request cancelled", "seq", p.seq, "command", p.command)
	call.complete(nil, ErrRequestCancelled)
	if p.settle != nil {
		settle := p.settle
		if !t.post(func() { settle(nil, ErrRequestCancelled) }) {
			settle(nil, ErrRequestCancelled)
		}
	}
	return true
}

// failAll resolves every pending request with reason and rejects future registrations.
func (t *correlationTable) failAll(reason error) {
	t.mu.Lock()
	if t.closedErr == nil {
		t.closedErr = reason
	}
	pending := make([]*pendingRequest, 0, len(t.requests))
	for seq, p := range t.requests {
		if p.timer != nil {
			p.timer.Stop()
		}
		pending = append(pending, p)
		delete(t.requests, seq)
	}
	t.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, p := range pending {
		t.finish(p, nil, fmt.Errorf("request '%s' (seq %d) failed: %w", p.command, p.seq, reason))
	}
}

func (t *correlationTable) finish(p *pendingRequest, resp dap.Message, err error) {
	if p.settle != nil {
		p.settle(resp, err)
	}
	p.call.complete(resp, err)
}
