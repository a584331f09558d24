/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		value     string
		expected  zapcore.Level
		expectErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{" warn ", zapcore.WarnLevel, false},
		{"2", zapcore.Level(-2), false},
		{"0", zapcore.WarnLevel, true},
		{"-3", zapcore.WarnLevel, true},
		{"verbose", zapcore.WarnLevel, true},
	}

	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			t.Parallel()
			level, err := StringToLevel(tc.value, zapcore.WarnLevel)
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestLevelFlagSetsLoggerLevel(t *testing.T) {
	t.Parallel()

	log := New("logger-test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v", "debug"}))
	assert.Equal(t, zapcore.DebugLevel, log.Level())

	assert.Equal(t, "debug", fs.Lookup("verbosity").Value.String())

	require.Error(t, fs.Parse([]string{"--verbosity", "loud"}))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
}

func TestApplyLevelFromEnv(t *testing.T) {
	t.Setenv(DBGPROXY_VERBOSITY, "2")

	log := New("logger-env-test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, log.ApplyLevelFromEnv(fs))
	assert.Equal(t, zapcore.Level(-2), log.Level())

	// An explicit flag wins over the environment.
	require.NoError(t, fs.Parse([]string{"-v", "error"}))
	require.NoError(t, log.ApplyLevelFromEnv(fs))
	assert.Equal(t, zapcore.ErrorLevel, log.Level())

	t.Setenv(DBGPROXY_VERBOSITY, "chatty")
	require.Error(t, New("logger-env-test").ApplyLevelFromEnv(nil))
}
