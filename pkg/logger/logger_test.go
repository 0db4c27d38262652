/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	level, err := StringToLevel("DEBUG", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)

	level, err = StringToLevel("2", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.Level(-2), level)

	for _, invalid := range []string{"0", "-1", "verbose", ""} {
		level, err = StringToLevel(invalid, zapcore.ErrorLevel)
		require.Error(t, err, "level %q should be rejected", invalid)
		require.Equal(t, zapcore.ErrorLevel, level)
	}
}

func TestLevelFlagSetsConsoleLevel(t *testing.T) {
	t.Parallel()

	log := New("level-flag-test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v=debug"}))
	require.Equal(t, zapcore.DebugLevel, log.atomicLevel.Level())

	flagVal, found := GetLevelFlagValue(fs)
	require.True(t, found)
	require.Equal(t, "debug", flagVal.String())

	require.Error(t, fs.Parse([]string{"--verbosity=loud"}))
}

func TestDiagnosticsLogFile(t *testing.T) {
	logFolder := filepath.Join(t.TempDir(), "diag")
	t.Setenv(DAPCLIENT_DIAGNOSTICS_LOG_FOLDER, logFolder)
	t.Setenv(DAPCLIENT_DIAGNOSTICS_LOG_LEVEL, "info")

	log := New("diagnostics-test")
	log.Info("Debug session created", "sessionID", "abc")
	log.V(1).Info("Received message", "seq", 1)
	log.Flush()

	entries, err := os.ReadDir(logFolder)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	contents, err := os.ReadFile(filepath.Join(logFolder, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(contents), "Debug session created")
	require.Contains(t, string(contents), `"sessionID":"abc"`)
	require.NotContains(t, string(contents), "Received message")
}

func TestDiagnosticsLogDisabledByDefault(t *testing.T) {
	t.Setenv(DAPCLIENT_DIAGNOSTICS_LOG_LEVEL, "")
	require.NoError(t, os.Unsetenv(DAPCLIENT_DIAGNOSTICS_LOG_LEVEL))

	_, err := GetDiagnosticsLogLevel()
	require.ErrorIs(t, err, errDiagnosticsLogNotEnabled)
}
