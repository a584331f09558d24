/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"

	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/pkg/resiliency"
)

// ErrUnexpectedLayout is returned by converters when the runtime object does not have
// the private fields the converter reconstructs it from.
var ErrUnexpectedLayout = errors.New("unexpected object layout")

// Requester issues DAP requests to the debugger on the proxy's own behalf.
// *dap.DebuggerProxy implements it.
type Requester interface {
	RunInternalRequest(ctx context.Context, req *dap.Request) (*dap.Response, error)
}

// Converter presents a runtime object in a simplified form.
type Converter interface {
	// Name identifies the converter in logs.
	Name() string

	// CanConvert reports whether the converter understands the variable's runtime type.
	CanConvert(v *godap.Variable) bool

	// TryConvert builds the simplified children of an object from its raw members.
	// Nested data is fetched through env. An error means the object could not be
	// reconstructed; the caller falls back to the raw members.
	TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error)
}

// Registry is an ordered list of converters. Lookup returns the first converter that
// accepts a variable, in registration order.
type Registry struct {
	converters []Converter
}

func NewRegistry(converters ...Converter) *Registry {
	return &Registry{converters: converters}
}

// DefaultRegistry returns a registry with every built-in converter.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&listConverter{},
		&dictionaryConverter{},
		&hashSetConverter{},
		&queueConverter{},
		&stackConverter{},
		&linkedListConverter{},
		&sortedListConverter{},
		&readOnlyCollectionConverter{},
		&readOnlyDictionaryConverter{},
		&tupleConverter{},
		&dateTimeConverter{},
		&dateTimeOffsetConverter{},
		&dateOnlyTimeOnlyConverter{},
		&timeSpanConverter{},
		&guidConverter{},
		&versionConverter{},
	)
}

func (r *Registry) Register(c Converter) {
	r.converters = append(r.converters, c)
}

// Find returns the first converter that accepts v, or nil.
func (r *Registry) Find(v *godap.Variable) Converter {
	if v == nil {
		return nil
	}
	for _, c := range r.converters {
		if c.CanConvert(v) {
			return c
		}
	}
	return nil
}

func (r *Registry) Converters() []Converter {
	return append([]Converter(nil), r.converters...)
}

// Env gives converters access to the debuggee's variable tree.
type Env struct {
	requester Requester
	handles   *Handles
	registry  *Registry
	log       logr.Logger
}

func NewEnv(requester Requester, handles *Handles, registry *Registry, log logr.Logger) *Env {
	return &Env{
		requester: requester,
		handles:   handles,
		registry:  registry,
		log:       log,
	}
}

func (e *Env) Handles() *Handles {
	return e.handles
}

// Children returns the child variables of ref. Synthetic references are resolved
// locally and never sent to the debugger.
func (e *Env) Children(ctx context.Context, ref int) ([]godap.Variable, error) {
	if ref <= 0 {
		return nil, nil
	}
	if e.handles.IsSynthetic(ref) {
		children, found := e.handles.Get(ref)
		if !found {
			return nil, fmt.Errorf("synthetic reference %d is no longer valid", ref)
		}
		return children, nil
	}

	req, reqErr := dap.NewRequest(dap.CommandVariables, godap.VariablesArguments{VariablesReference: ref})
	if reqErr != nil {
		return nil, reqErr
	}

	resp, respErr := e.requester.RunInternalRequest(ctx, req)
	if respErr != nil {
		return nil, fmt.Errorf("variables request for reference %d failed: %w", ref, respErr)
	}
	if !resp.Success {
		return nil, fmt.Errorf("variables request for reference %d failed: %s", ref, resp.Message)
	}

	var body godap.VariablesResponseBody
	if decodeErr := dap.DecodeBody(resp.Body, &body); decodeErr != nil {
		return nil, fmt.Errorf("variables response for reference %d could not be decoded: %w", ref, decodeErr)
	}
	return body.Variables, nil
}

// Members fetches the children of ref and flattens debugger grouping nodes.
func (e *Env) Members(ctx context.Context, ref int) (Members, error) {
	children, err := e.Children(ctx, ref)
	if err != nil {
		return Members{}, err
	}
	return e.flatten(ctx, children)
}

// MembersOf fetches the members of an expandable variable.
func (e *Env) MembersOf(ctx context.Context, v godap.Variable) (Members, error) {
	if v.VariablesReference <= 0 {
		return Members{}, fmt.Errorf("%w: '%s' is not expandable", ErrUnexpectedLayout, v.Name)
	}
	return e.Members(ctx, v.VariablesReference)
}

// Debuggers group private and static members under pseudo-nodes; the reconstruction
// algorithms need the fields themselves.
var groupingNodes = map[string]bool{
	"Non-Public members": true,
	"Raw View":           true,
	"Static members":     true,
	"Private members":    true,
}

// flatten inlines the members of grouping nodes. A group that cannot be expanded is
// skipped, unless the conversion itself was abandoned or the proxy is gone, in which case
// no further requests are issued.
func (e *Env) flatten(ctx context.Context, children []godap.Variable) (Members, error) {
	flat := make([]godap.Variable, 0, len(children))
	for _, child := range children {
		if groupingNodes[child.Name] && child.VariablesReference > 0 {
			nested, nestedErr := e.Children(ctx, child.VariablesReference)
			if nestedErr != nil {
				if ctx.Err() != nil || dap.IsProxyError(nestedErr) {
					return Members{}, nestedErr
				}
				e.log.V(1).Info("Could not expand member group", "group", child.Name, "reference", child.VariablesReference, "reason", nestedErr.Error())
				continue
			}
			nestedMembers, flattenErr := e.flatten(ctx, nested)
			if flattenErr != nil {
				return Members{}, flattenErr
			}
			flat = append(flat, nestedMembers.vars...)
			continue
		}
		flat = append(flat, child)
	}
	return Members{vars: flat}, nil
}

// Convert runs c over the raw children of ref. On any failure the failure is logged with
// the reference and reason, and the raw children are returned unchanged.
func (e *Env) Convert(ctx context.Context, c Converter, ref int, raw []godap.Variable) []godap.Variable {
	converted, convertErr := e.tryConvert(ctx, c, raw)
	if convertErr != nil {
		e.log.Info("Value converter failed, showing raw value",
			"converter", c.Name(),
			"reference", ref,
			"reason", convertErr.Error())
		return raw
	}
	return converted
}

func (e *Env) tryConvert(ctx context.Context, c Converter, raw []godap.Variable) (converted []godap.Variable, err error) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), e.log); panicErr != nil {
			err = panicErr
		}
	}()
	members, flattenErr := e.flatten(ctx, raw)
	if flattenErr != nil {
		return nil, flattenErr
	}
	return c.TryConvert(ctx, e, members)
}

// ExpandWithConverters returns the children of v, simplified by the first matching
// converter if there is one. Used by wrapper converters to present what they wrap.
func (e *Env) ExpandWithConverters(ctx context.Context, v godap.Variable) ([]godap.Variable, error) {
	raw, err := e.Children(ctx, v.VariablesReference)
	if err != nil {
		return nil, err
	}
	if c := e.registry.Find(&v); c != nil {
		return e.Convert(ctx, c, v.VariablesReference, raw), nil
	}
	return raw, nil
}

// typePattern matches runtime type names with or without their namespace.
type typePattern struct {
	re *regexp.Regexp
}

// genericType matches ns.Name<...> (and the Name`N metadata form).
func genericType(ns, name string) typePattern {
	return typePattern{re: regexp.MustCompile(`^(?:` + regexp.QuoteMeta(ns) + `\.)?` + regexp.QuoteMeta(name) + "(?:<.*>|`\\d+.*)$")}
}

// exactType matches ns.Name exactly.
func exactType(ns, name string) typePattern {
	return typePattern{re: regexp.MustCompile(`^(?:` + regexp.QuoteMeta(ns) + `\.)?` + regexp.QuoteMeta(name) + `$`)}
}

func (p typePattern) matches(typeName string) bool {
	t := strings.TrimSpace(typeName)
	// Some debuggers wrap the type in braces, e.g. "{System.Guid}".
	t = strings.TrimSuffix(strings.TrimPrefix(t, "{"), "}")
	return p.re.MatchString(t)
}

func matchesAny(v *godap.Variable, patterns ...typePattern) bool {
	for _, p := range patterns {
		if p.matches(v.Type) {
			return true
		}
	}
	return false
}
