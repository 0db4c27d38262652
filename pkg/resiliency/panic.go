/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// MakePanicError logs a recovered panic value with the current call stack and returns it as a permanent error.
// The extra key/value pairs are attached to the log entry (typically the DAP command or event being handled).
func MakePanicError(panicVal any, log logr.Logger, keysAndValues ...any) error {
	if panicVal == nil {
		return nil
	}

	panicErr, isError := panicVal.(error)
	if !isError {
		panicErr = fmt.Errorf("%v", panicVal)
	}
	var permanent *backoff.PermanentError
	if !errors.As(panicErr, &permanent) {
		panicErr = Permanent(panicErr)
	}

	kv := append([]any{"stack", string(debug.Stack())}, keysAndValues...)
	log.Error(panicErr, "Handler ended prematurely due to panic", kv...)

	return panicErr
}
