/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that applies the parsed level as soon as the flag is set.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

// StringToLevel parses a level name or a positive verbosity number.
// Verbosity N maps to logr V(N-1) messages becoming visible.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, namedLevel := levelStrings[strings.ToLower(value)]; namedLevel {
		return level, nil
	}

	logLevel, err := strconv.Atoi(value)
	if err != nil || logLevel <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}

	// Zap has the levels backwards
	return zapcore.Level(int8(-logLevel)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}

	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

// GetLevelFlagValue returns the verbosity flag registered with AddLevelFlag, if any.
func GetLevelFlagValue(fs *pflag.FlagSet) (*LevelFlagValue, bool) {
	if fs == nil {
		return nil, false
	}

	levelFlag := fs.Lookup(verbosityFlagName)
	if levelFlag == nil {
		return nil, false
	}

	levelVal, ok := levelFlag.Value.(*LevelFlagValue)
	return levelVal, ok
}

var _ pflag.Value = &LevelFlagValue{}
