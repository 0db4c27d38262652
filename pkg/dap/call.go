// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-dap"
)

// Call is the handle for an outstanding request. It completes exactly once, with either the
// adapter's response or an error (*AdapterError, ErrRequestTimeout, ErrAdapterDisconnected,
// ErrSessionTerminated or ErrRequestCancelled).
type Call struct {
	Seq     int
	Command string

	done     chan struct{}
	once     sync.Once
	response dap.Message
	err      error
	cancel   func(*Call) bool
}

func newCall(seq int, command string, cancel func(*Call) bool) *Call {
	return &Call{
		Seq:     seq,
		Command: command,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// complete resolves the call. Returns false if the call was already resolved.
func (c *Call) complete(resp dap.Message, err error) bool {
	completed := false
	c.once.Do(func() {
		c.response = resp
		c.err = err
		completed = true
		close(c.done)
	})
	return completed
}

// Done returns a channel that is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a completed call. It must only be called after Done() is closed.
func (c *Call) Result() (dap.Message, error) {
	select {
	case <-c.done:
		return c.response, c.err
	default:
		return nil, fmt.Errorf("request '%s' (seq %d) is still pending", c.Command, c.Seq)
	}
}

// Wait blocks until the call completes or ctx is done. If ctx ends first, the call is cancelled
// and ctx.Err() is returned.
func (c *Call) Wait(ctx context.Context) (dap.Message, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		c.Cancel()
		// The response may have raced with cancellation.
		select {
		case <-c.done:
			if c.err != ErrRequestCancelled {
				return c.response, c.err
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Cancel abandons the request. A response that arrives later is treated as a protocol anomaly.
// Returns false if the call had already completed.
func (c *Call) Cancel() bool {
	select {
	case <-c.done:
		return false
	default:
	}

	if c.cancel != nil {
		return c.cancel(c)
	}
	return c.complete(nil, ErrRequestCancelled)
}

// awaitResponse waits for the call and asserts the concrete response type.
func awaitResponse[T dap.ResponseMessage](ctx context.Context, call *Call) (T, error) {
	var zero T

	resp, err := call.Wait(ctx)
	if err != nil {
		return zero, err
	}

	typed, isExpected := resp.(T)
	if !isExpected {
		return zero, fmt.Errorf("%w: unexpected response type %T for request '%s'", ErrProtocolAnomaly, resp, call.Command)
	}
	return typed, nil
}
