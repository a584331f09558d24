/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Used when the verbosity flag is not given on the command line.
const DBGPROXY_VERBOSITY = "DBGPROXY_VERBOSITY"

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that applies the parsed level as soon as it is set.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{onLevelAvailable: onLevelAvailable}
}

// StringToLevel parses a level name or a positive V-level. Zap levels run the other
// way, so V-level n becomes zap level -n.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, named := levelStrings[strings.ToLower(strings.TrimSpace(value))]; named {
		return level, nil
	}

	vLevel, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || vLevel <= 0 || vLevel > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}
	return zapcore.Level(int8(-vLevel)), nil
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

var _ pflag.Value = &LevelFlagValue{}

// ApplyLevelFromEnv sets the level from DBGPROXY_VERBOSITY unless the verbosity flag
// was given explicitly.
func (l *Logger) ApplyLevelFromEnv(fs *pflag.FlagSet) error {
	if fs != nil {
		if f := fs.Lookup(verbosityFlagName); f != nil && f.Changed {
			return nil
		}
	}

	value, found := os.LookupEnv(DBGPROXY_VERBOSITY)
	if !found || strings.TrimSpace(value) == "" {
		return nil
	}

	level, err := StringToLevel(value, zapcore.InfoLevel)
	if err != nil {
		return fmt.Errorf("%s: %w", DBGPROXY_VERBOSITY, err)
	}
	l.SetLevel(level)
	return nil
}
