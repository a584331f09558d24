/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set by the linker for release builds.
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion"`
}

// Version reports the linker-provided version information. Development builds
// fall back to the VCS stamp recorded by the Go toolchain.
func Version() VersionOutput {
	out := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
	}
	if out.Version == "" {
		out.Version = DevelopmentVersion
	}

	buildTimestamp := BuildTimestamp
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if out.CommitHash == "" {
					out.CommitHash = setting.Value
				}
			case "vcs.time":
				if buildTimestamp == "" {
					buildTimestamp = setting.Value
				}
			}
		}
	}

	if buildTime, ok := parseTimestamp(buildTimestamp); ok {
		out.BuildTime = &buildTime
	}
	return out
}

// parseTimestamp accepts Unix seconds or RFC 3339.
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
