/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package launch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/microsoft/dbgproxy/internal/dap"
)

// InterceptionMarker, anywhere in the arguments of an attach request, asks the proxy to
// replace the request with one built from the project's metadata.
const InterceptionMarker = "dbgproxy:launch"

const (
	requestLaunch = "launch"
	requestAttach = "attach"
)

// ShouldIntercept reports whether req is an attach request carrying the interception marker.
func ShouldIntercept(req *dap.Request) bool {
	return req != nil &&
		req.Command == dap.CommandAttach &&
		bytes.Contains(req.Arguments, []byte(InterceptionMarker))
}

// Rewriter turns an intercepted attach request into the launch or attach request
// the debug adapter needs for the project. It has no side effects.
type Rewriter struct {
	Metadata *ProjectMetadata

	// Optional.
	Profile *LaunchProfile

	// Environment variables the adapter configuration requires; they win over all others.
	AdapterEnv map[string]string

	// Separator used when normalizing the profile working directory. Defaults to the platform's.
	Separator rune
}

// Rewrite builds the replacement for req. processID is the live process to attach to,
// or 0 if there is none.
// Test projects without a native test host are debugged by attaching to the test host
// process; everything else is launched from the compiled target.
func (r *Rewriter) Rewrite(req *dap.Request, processID int) (*dap.Request, error) {
	if r.Metadata == nil {
		return nil, fmt.Errorf("%w: no project metadata", ErrInvalidProject)
	}

	original := req.Attach
	if original == nil {
		original = &dap.AttachArguments{}
	}

	args := carriedArguments(original.Extra)
	command := requestLaunch

	if r.Metadata.IsTestProject && !r.Metadata.HasNativeTestHost && processID > 0 {
		command = requestAttach
		args["request"] = requestAttach
		args["processId"] = processID
	} else {
		program := r.Metadata.TargetPath()
		if program == "" {
			return nil, fmt.Errorf("%w: project '%s' has no target path", ErrInvalidProject, r.Metadata.ProjectPath)
		}

		vars := r.variables()
		cwd := original.Cwd
		if cwd == "" {
			cwd = r.Metadata.ProjectDir()
		}
		var programArgs []string
		var profileEnv map[string]string

		if r.Profile != nil {
			if r.Profile.WorkingDirectory != "" {
				cwd = normalizeSeparators(Substitute(r.Profile.WorkingDirectory, vars), r.separator())
			}
			programArgs = SplitArgs(Substitute(r.Profile.CommandLineArgs, vars))
			profileEnv = r.Profile.Env()
			for name, value := range profileEnv {
				profileEnv[name] = Substitute(value, vars)
			}
		}

		args["request"] = requestLaunch
		args["program"] = program
		args["args"] = nonNil(programArgs)
		args["cwd"] = cwd
		args["env"] = MergeEnv(original.Env, profileEnv, r.AdapterEnv)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s arguments: %w", command, err)
	}

	return &dap.Request{
		Seq:       req.Seq,
		Command:   command,
		Arguments: raw,
		Extra:     req.Extra,
	}, nil
}

// variables are the names available to $(Name) substitution: build properties first,
// then profile environment variables that do not shadow a property.
func (r *Rewriter) variables() map[string]string {
	vars := map[string]string{}
	if r.Profile != nil {
		for name, value := range r.Profile.EnvironmentVariables {
			vars[strings.ToLower(name)] = value
		}
	}
	for name, value := range r.Metadata.Properties {
		vars[strings.ToLower(name)] = value
	}
	return vars
}

func (r *Rewriter) separator() rune {
	if r.Separator == 0 {
		return filepath.Separator
	}
	return r.Separator
}

// carriedArguments keeps the client's own attach settings (name, type, justMyCode, ...)
// except the ones carrying the interception marker.
func carriedArguments(extra map[string]json.RawMessage) map[string]any {
	args := make(map[string]any, len(extra)+5)
	for name, value := range extra {
		if bytes.Contains(value, []byte(InterceptionMarker)) {
			continue
		}
		args[name] = value
	}
	return args
}

var tokenPattern = regexp.MustCompile(`\$\(([A-Za-z_][A-Za-z0-9_.\-]*)\)`)

// Substitute replaces $(Name) tokens with values from vars, whose keys must be lower case.
// Names match case-insensitively; unknown tokens are left as they are.
func Substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "$(") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if value, found := vars[strings.ToLower(name)]; found {
			return value
		}
		return token
	})
}

// SplitArgs splits a command line into arguments at unquoted whitespace.
// Double quotes group text and are removed; \" is a literal quote.
func SplitArgs(commandLine string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	inToken := false

	runes := []rune(commandLine)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			current.WriteRune('"')
			inToken = true
			i++
		case c == '"':
			inQuotes = !inQuotes
			inToken = true
		case !inQuotes && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(c)
			inToken = true
		}
	}
	if inToken {
		args = append(args, current.String())
	}
	return args
}

// MergeEnv combines environment maps; later maps win.
func MergeEnv(layers ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, layer := range layers {
		maps.Copy(merged, layer)
	}
	return merged
}

func normalizeSeparators(path string, sep rune) string {
	return strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' {
			return sep
		}
		return c
	}, path)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
