/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

var (
	// ErrProtocolAnomaly marks conditions that are logged and tolerated, such as a response
	// whose request_seq matches no pending request.
	ErrProtocolAnomaly = errors.New("protocol anomaly")

	// ErrInvalidState is matched (via errors.Is) by every *InvalidStateError.
	ErrInvalidState = errors.New("request not allowed in current session state")

	// ErrRequestTimeout is returned when a request does not receive a response before its deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrAdapterDisconnected is returned for requests that were outstanding when the transport closed or failed.
	ErrAdapterDisconnected = errors.New("debug adapter disconnected")

	// ErrSessionTerminated is returned for requests that were outstanding when the session was terminated.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrRequestCancelled is returned when the caller cancels a pending request.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrTransportClosed is returned when reading from or writing to a closed transport.
	ErrTransportClosed = errors.New("transport is closed")

	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrRegistryClosed       = errors.New("session registry is closed")
)

// FramingError is returned when the byte stream cannot be parsed into DAP envelopes.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("DAP framing error: %s: %v", e.Reason, e.Err)
	}
	return "DAP framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

func newFramingError(reason string, err error) *FramingError {
	return &FramingError{Reason: reason, Err: err}
}

// InvalidStateError is returned synchronously when a request is not permitted in the session's current state.
// Nothing is written to the transport when this error is returned.
type InvalidStateError struct {
	Command string
	State   SessionState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("request '%s' is not allowed while the session is %s", e.Command, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// AdapterError is returned when the adapter answers a request with success=false.
type AdapterError struct {
	Command string
	Message string
	Details *dap.ErrorMessage
}

func (e *AdapterError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("debug adapter request '%s' failed", e.Command))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Details != nil && e.Details.Format != "" && e.Details.Format != e.Message {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Details.Format))
	}
	return sb.String()
}

// responseError returns an *AdapterError for an unsuccessful response, nil otherwise.
func responseError(resp dap.ResponseMessage) error {
	r := resp.GetResponse()
	if r.Success {
		return nil
	}

	adapterErr := &AdapterError{
		Command: r.Command,
		Message: r.Message,
	}
	if errResp, isErrResp := resp.(*dap.ErrorResponse); isErrResp {
		adapterErr.Details = errResp.Body.Error
	}
	return adapterErr
}

// IsSessionFatal returns true if the error means the session can no longer be used.
func IsSessionFatal(err error) bool {
	var framingErr *FramingError
	return errors.Is(err, ErrAdapterDisconnected) ||
		errors.Is(err, ErrSessionTerminated) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.As(err, &framingErr)
}

// IsTransient returns true if the error affected a single request and the session remains usable.
func IsTransient(err error) bool {
	var adapterErr *AdapterError
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrRequestCancelled) ||
		errors.Is(err, ErrInvalidState) ||
		errors.As(err, &adapterErr)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	return err
}
