/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"

	"github.com/microsoft/dbgproxy/pkg/syncmap"
)

// Dispatcher remembers which converter applies to each variables reference the client
// has been shown, and applies it when the client expands that reference.
// Records are valid until the debuggee resumes, which is when Reset must be called.
type Dispatcher struct {
	registry *Registry
	handles  *Handles
	log      logr.Logger
	tracked  syncmap.Map[int, Converter]
}

func NewDispatcher(registry *Registry, handles *Handles, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		handles:  handles,
		log:      log,
	}
}

func (d *Dispatcher) Handles() *Handles {
	return d.handles
}

// Track records a converter for every expandable variable whose type one accepts.
// Returns the number of variables recorded.
func (d *Dispatcher) Track(vars []godap.Variable) int {
	tracked := 0
	for i := range vars {
		if d.TrackReference(vars[i].VariablesReference, vars[i].Type) {
			tracked++
		}
	}
	return tracked
}

// TrackReference records the converter for a single reference of the given runtime type.
func (d *Dispatcher) TrackReference(ref int, typeName string) bool {
	if ref <= 0 || d.handles.IsSynthetic(ref) {
		return false
	}
	c := d.registry.Find(&godap.Variable{Type: typeName, VariablesReference: ref})
	if c == nil {
		return false
	}
	d.tracked.Store(ref, c)
	d.log.V(1).Info("Tracking convertible value", "reference", ref, "type", typeName, "converter", c.Name())
	return true
}

// ConverterFor returns the converter recorded for ref.
func (d *Dispatcher) ConverterFor(ref int) (Converter, bool) {
	return d.tracked.Load(ref)
}

// Expand converts the raw children of a tracked reference. The boolean is false when no
// converter is recorded for ref, in which case raw should be shown as is.
// Children of the result are tracked in turn.
func (d *Dispatcher) Expand(ctx context.Context, requester Requester, ref int, raw []godap.Variable) ([]godap.Variable, bool) {
	c, found := d.tracked.Load(ref)
	if !found {
		return raw, false
	}

	env := NewEnv(requester, d.handles, d.registry, d.log)
	converted := env.Convert(ctx, c, ref, raw)
	d.Track(converted)
	return converted, true
}

// IsSynthetic reports whether ref was created by a converter.
func (d *Dispatcher) IsSynthetic(ref int) bool {
	return d.handles.IsSynthetic(ref)
}

// Synthetic returns the children of a converter-created node.
func (d *Dispatcher) Synthetic(ref int) ([]godap.Variable, bool) {
	children, found := d.handles.Get(ref)
	if found {
		d.Track(children)
	}
	return children, found
}

// Reset forgets all tracked references and synthetic nodes.
func (d *Dispatcher) Reset() {
	d.tracked.Clear()
	d.handles.Reset()
}
