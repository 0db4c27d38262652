// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"flag"
	"os"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/dapclient/pkg/logger"
)

// Set to "1" to see DAP traffic logs even when tests are not run with -v.
const traceTestsEnvVar = "DAPCLIENT_TRACE_TESTS"

// NewLogForTesting returns a logger that only shows errors, unless tests run with -v
// or with DAPCLIENT_TRACE_TESTS=1.
func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(zapcore.ErrorLevel)
	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() || os.Getenv(traceTestsEnvVar) == "1" {
		log.SetLevel(zapcore.DebugLevel)
	}
	return log.Logger.WithValues("test", name)
}
