/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/dapclient/pkg/resiliency"
)

const (
	DAPCLIENT_DIAGNOSTICS_LOG_FOLDER = "DAPCLIENT_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (defaults to a temp folder)
	DAPCLIENT_DIAGNOSTICS_LOG_LEVEL  = "DAPCLIENT_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to none)

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	permissionOwnerReadWrite         fs.FileMode = 0600
	permissionOwnerReadWriteTraverse fs.FileMode = 0700
)

var (
	defaultLogPath = filepath.Join(os.TempDir(), "dapclient", "logs")
	startTime      = time.Now()
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human-readable output to stderr and, if enabled
// through DAPCLIENT_DIAGNOSTICS_LOG_LEVEL, machine-readable output to a diagnostics log file.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	consoleAtomicLevel := zap.NewAtomicLevel()

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var diagnosticsLogErr error
	if logCore, err := getDiagnosticsLogCore(name, encoderConfig); err != nil {
		if !errors.Is(err, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = err
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	logger := zapr.NewLogger(zapLogger).WithName(name)

	if diagnosticsLogErr != nil {
		logger.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:      logger,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag adds the verbosity flag that sets the console log level.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity. Level 1 shows every message exchanged with the debug adapter.")
}

func getDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logLevel, err := GetDiagnosticsLogLevel()
	if err != nil {
		return nil, err
	}

	logFolder, err := EnsureDiagnosticsLogsFolder()
	if err != nil {
		return nil, err
	}

	// Several dapctl processes may start within the same millisecond, so creating the file is retried
	// with a fresh timestamp until the name is unique.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	logOutput, err := resiliency.RetryGet(context.Background(), b, func() (*os.File, error) {
		logName := fmt.Sprintf("%s-%d-%d.log", name, time.Now().UnixMilli(), os.Getpid())
		return os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, permissionOwnerReadWrite)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	logEncoder := zapcore.NewJSONEncoder(encoderConfig)
	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

// EnsureDiagnosticsLogsFolder returns the folder to write diagnostics logs to, creating it if necessary.
func EnsureDiagnosticsLogsFolder() (string, error) {
	logFolder, found := os.LookupEnv(DAPCLIENT_DIAGNOSTICS_LOG_FOLDER)
	if !found || logFolder == "" {
		logFolder = defaultLogPath
	}

	info, err := os.Stat(logFolder)
	if errors.Is(err, fs.ErrNotExist) {
		if err = os.MkdirAll(logFolder, permissionOwnerReadWriteTraverse); err != nil {
			return "", fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to verify the existence of the diagnostic log folder '%s': %w", logFolder, err)
	} else if !info.IsDir() {
		return "", fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", logFolder)
	}

	return logFolder, nil
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func GetDiagnosticsLogLevel() (zapcore.Level, error) {
	diagnosticsLogLevel, found := os.LookupEnv(DAPCLIENT_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return zapcore.InvalidLevel, errDiagnosticsLogNotEnabled
	}

	logLevel, err := StringToLevel(diagnosticsLogLevel, zapcore.ErrorLevel)
	if err != nil {
		return zapcore.InvalidLevel, fmt.Errorf("failed to parse log level: %v", diagnosticsLogLevel)
	}

	return logLevel, nil
}

// StartTime returns the time the process started logging.
func StartTime() time.Time {
	return startTime
}
