/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config assembles the debug session configuration from command line flags,
// DBGPROXY_ environment variables and an optional configuration file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/internal/launch"
	"github.com/microsoft/dbgproxy/internal/session"
)

const EnvPrefix = "DBGPROXY"

const (
	KeyAdapterPath           = "adapter.path"
	KeyAdapterArgs           = "adapter.args"
	KeyAdapterMode           = "adapter.mode"
	KeyAdapterConnectTimeout = "adapter.connectTimeout"
	KeyAdapterEnv            = "adapter.env"
	KeyProjectPath           = "project.path"
	KeyProjectProfile        = "project.profile"
	KeyProjectLaunchSettings = "project.launchSettings"
	KeyProjectProperties     = "project.properties"
	KeyProjectTestHost       = "project.testHost"
	KeyInternalReferenceBase = "session.internalReferenceBase"
)

// Flag names, keyed by the configuration key they set.
var flagNames = map[string]string{
	KeyAdapterPath:           "adapter",
	KeyAdapterArgs:           "adapter-arg",
	KeyAdapterMode:           "adapter-mode",
	KeyAdapterConnectTimeout: "adapter-connect-timeout",
	KeyAdapterEnv:            "adapter-env",
	KeyProjectPath:           "project",
	KeyProjectProfile:        "profile",
	KeyProjectLaunchSettings: "launch-settings",
	KeyProjectProperties:     "property",
	KeyProjectTestHost:       "test-host",
	KeyInternalReferenceBase: "internal-reference-base",
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the validated configuration of a dbgproxy run.
type Config struct {
	Adapter dap.DebugAdapterConfig

	ProjectPath        string
	Profile            string
	LaunchSettingsPath string

	// Build-derived variables keyed by MSBuild property name.
	Properties map[string]string

	// The project's test framework runs tests in its own host process.
	TestHost bool

	InternalReferenceBase int
}

// RegisterFlags adds the session flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagNames[KeyAdapterPath], "", "Path to the debug adapter executable.")
	fs.StringArray(flagNames[KeyAdapterArgs], nil, "Argument passed to the debug adapter. Can be repeated. In tcp-connect mode {{port}} is replaced with the port the adapter should listen on.")
	fs.String(flagNames[KeyAdapterMode], string(dap.DebugAdapterModeStdio), "How to talk to the debug adapter: 'stdio' or 'tcp-connect'.")
	fs.Duration(flagNames[KeyAdapterConnectTimeout], dap.DefaultAdapterConnectionTimeout, "How long to keep trying to connect to the debug adapter in tcp-connect mode.")
	fs.StringArray(flagNames[KeyAdapterEnv], nil, "Environment variable (NAME=VALUE) for the debug adapter and the debuggee. Can be repeated.")
	fs.String(flagNames[KeyProjectPath], "", "Path to the project file being debugged.")
	fs.String(flagNames[KeyProjectProfile], "", "Name of the launch profile to apply.")
	fs.String(flagNames[KeyProjectLaunchSettings], "", "Path to the launch settings file. Defaults to Properties/launchSettings.json next to the project.")
	fs.StringArray(flagNames[KeyProjectProperties], nil, "Build property (NAME=VALUE) of the project, e.g. TargetFramework=net8.0. Can be repeated.")
	fs.Bool(flagNames[KeyProjectTestHost], false, "The project's test framework uses its own test host process.")
	fs.Int(flagNames[KeyInternalReferenceBase], 0, "First variables reference used for values created by the proxy.")
}

// New creates a viper instance layered over fs. configFile may be empty.
func New(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAdapterMode, string(dap.DebugAdapterModeStdio))
	v.SetDefault(KeyAdapterConnectTimeout, dap.DefaultAdapterConnectionTimeout)

	if fs != nil {
		for key, name := range flagNames {
			flag := fs.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("could not bind flag '%s': %w", name, err)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read configuration file '%s': %w", configFile, err)
		}
	}

	return v, nil
}

// Load reads and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	adapterEnv, err := parseAssignments(v.GetStringSlice(KeyAdapterEnv))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyAdapterEnv, err)
	}
	properties, err := parseAssignments(v.GetStringSlice(KeyProjectProperties))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyProjectProperties, err)
	}

	cfg := &Config{
		Adapter: dap.DebugAdapterConfig{
			Path:              v.GetString(KeyAdapterPath),
			Args:              v.GetStringSlice(KeyAdapterArgs),
			Mode:              dap.DebugAdapterMode(strings.ToLower(v.GetString(KeyAdapterMode))),
			Env:               adapterEnv,
			ConnectionTimeout: v.GetDuration(KeyAdapterConnectTimeout),
		},
		ProjectPath:           v.GetString(KeyProjectPath),
		Profile:               v.GetString(KeyProjectProfile),
		LaunchSettingsPath:    v.GetString(KeyProjectLaunchSettings),
		Properties:            properties,
		TestHost:              v.GetBool(KeyProjectTestHost),
		InternalReferenceBase: v.GetInt(KeyInternalReferenceBase),
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Adapter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ProjectPath == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyProjectPath)
	}
	if c.InternalReferenceBase < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, KeyInternalReferenceBase)
	}
	return nil
}

// SessionConfig converts the configuration into the settings of a debug session.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Adapter:            c.Adapter,
		ProjectPath:        c.ProjectPath,
		Profile:            c.Profile,
		LaunchSettingsPath: c.LaunchSettingsPath,
		Metadata: &launch.StaticMetadataSource{
			Properties:        c.Properties,
			HasNativeTestHost: c.TestHost,
		},
		InternalReferenceBase: c.InternalReferenceBase,
	}
}

// parseAssignments turns NAME=VALUE entries into a map. Later entries win.
// Lists are used instead of maps because viper lower-cases map keys read from files.
func parseAssignments(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	result := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, value, found := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("'%s' is not a NAME=VALUE assignment", entry)
		}
		result[name] = value
	}
	return result, nil
}
