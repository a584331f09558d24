/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
)

const (
	// Where launch profiles live, relative to the project directory.
	DefaultLaunchSettingsPath = "Properties/launchSettings.json"

	aspNetCoreUrlsVar = "ASPNETCORE_URLS"
)

var ErrProfileNotFound = errors.New("launch profile not found")

// LaunchProfile is one entry of the "profiles" object in launchSettings.json.
type LaunchProfile struct {
	Name                 string            `json:"-"`
	CommandName          string            `json:"commandName,omitempty"`
	CommandLineArgs      string            `json:"commandLineArgs,omitempty"`
	WorkingDirectory     string            `json:"workingDirectory,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	ApplicationURL       string            `json:"applicationUrl,omitempty"`
}

type launchSettings struct {
	Profiles map[string]*LaunchProfile `json:"profiles"`
}

// Env returns the environment variables the profile contributes to a launch.
// The application URL is passed as ASPNETCORE_URLS unless the profile sets that variable itself.
func (lp *LaunchProfile) Env() map[string]string {
	env := maps.Clone(lp.EnvironmentVariables)
	if env == nil {
		env = map[string]string{}
	}
	if lp.ApplicationURL != "" {
		if _, found := env[aspNetCoreUrlsVar]; !found {
			env[aspNetCoreUrlsVar] = lp.ApplicationURL
		}
	}
	return env
}

// LoadLaunchProfile reads the named profile from a launchSettings.json file.
// A missing file, or a file without the profile, yields ErrProfileNotFound.
func LoadLaunchProfile(path, name string) (*LaunchProfile, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: '%s' (file '%s' does not exist)", ErrProfileNotFound, name, path)
	} else if err != nil {
		return nil, fmt.Errorf("could not read launch settings file '%s': %w", path, err)
	}

	var settings launchSettings
	if unmarshalErr := json.Unmarshal(content, &settings); unmarshalErr != nil {
		return nil, fmt.Errorf("launch settings file '%s' is invalid: %w", path, unmarshalErr)
	}

	profile, found := settings.Profiles[name]
	if !found || profile == nil {
		return nil, fmt.Errorf("%w: '%s' (file '%s')", ErrProfileNotFound, name, path)
	}
	profile.Name = name
	return profile, nil
}

// LaunchSettingsPath returns the conventional launch settings location for a project.
func LaunchSettingsPath(projectPath string) string {
	return filepath.Join(filepath.Dir(projectPath), filepath.FromSlash(DefaultLaunchSettingsPath))
}
