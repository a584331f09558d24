/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package launch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// Build properties the rewriter understands. Names follow MSBuild.
const (
	PropProjectDir      = "ProjectDir"
	PropProjectPath     = "ProjectPath"
	PropAssemblyName    = "AssemblyName"
	PropOutDir          = "OutDir"
	PropTargetPath      = "TargetPath"
	PropTargetFramework = "TargetFramework"
	PropConfiguration   = "Configuration"
	PropUserHome        = "UserHome"
	PropIsTestProject   = "IsTestProject"

	DefaultConfiguration = "Debug"
)

var ErrInvalidProject = errors.New("invalid project")

// ProjectMetadata is what the build knows about a project.
type ProjectMetadata struct {
	ProjectPath string

	// Build-derived variables, keyed by property name.
	Properties map[string]string

	IsTestProject bool

	// The project's test framework hosts test runs itself, so there is no separate test host to attach to.
	HasNativeTestHost bool
}

func (pm *ProjectMetadata) Property(name string) string {
	return pm.Properties[name]
}

// TargetPath is the compiled program the debugger launches.
func (pm *ProjectMetadata) TargetPath() string {
	return pm.Properties[PropTargetPath]
}

func (pm *ProjectMetadata) ProjectDir() string {
	return pm.Properties[PropProjectDir]
}

// MetadataSource looks up build metadata for a project.
type MetadataSource interface {
	Lookup(projectPath string) (*ProjectMetadata, error)
}

// StaticMetadataSource serves properties supplied up front (configuration, command line),
// deriving the standard ones that were not supplied from the project path.
type StaticMetadataSource struct {
	Properties        map[string]string
	HasNativeTestHost bool
}

func (s *StaticMetadataSource) Lookup(projectPath string) (*ProjectMetadata, error) {
	if projectPath == "" {
		return nil, fmt.Errorf("%w: project path is empty", ErrInvalidProject)
	}
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}

	props := maps.Clone(s.Properties)
	if props == nil {
		props = map[string]string{}
	}

	setDefault := func(name, value string) {
		if _, found := props[name]; !found {
			props[name] = value
		}
	}

	setDefault(PropProjectPath, absPath)
	setDefault(PropProjectDir, withTrailingSeparator(filepath.Dir(absPath)))
	setDefault(PropAssemblyName, strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath)))
	setDefault(PropConfiguration, DefaultConfiguration)

	outDir := filepath.Join(props[PropProjectDir], "bin", props[PropConfiguration], props[PropTargetFramework])
	setDefault(PropOutDir, withTrailingSeparator(outDir))
	setDefault(PropTargetPath, filepath.Join(props[PropOutDir], props[PropAssemblyName]+".dll"))

	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		setDefault(PropUserHome, home)
	}

	return &ProjectMetadata{
		ProjectPath:       absPath,
		Properties:        props,
		IsTestProject:     strings.EqualFold(props[PropIsTestProject], "true"),
		HasNativeTestHost: s.HasNativeTestHost,
	}, nil
}

func withTrailingSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
