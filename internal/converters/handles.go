/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"sync/atomic"

	godap "github.com/google/go-dap"

	"github.com/microsoft/dbgproxy/pkg/syncmap"
)

// DefaultInternalReferenceBase is the first variables reference handed out for
// converter-synthesized nodes. Debuggers number their own references from 1 upward
// and reset them on every stop, so they never reach this range in practice.
const DefaultInternalReferenceBase = 1_000_000

// Handles stores the children of synthetic nodes created by converters.
// References at or above the base belong to this store and must never be sent to the debugger.
type Handles struct {
	base     int
	next     atomic.Int64
	children syncmap.Map[int, []godap.Variable]
}

func NewHandles(base int) *Handles {
	if base <= 0 {
		base = DefaultInternalReferenceBase
	}
	h := &Handles{base: base}
	h.next.Store(int64(base))
	return h
}

func (h *Handles) Base() int {
	return h.base
}

// IsSynthetic reports whether ref belongs to this store's reserved range.
func (h *Handles) IsSynthetic(ref int) bool {
	return ref >= h.base
}

// Create stores children and returns the reference that expands to them.
func (h *Handles) Create(children []godap.Variable) int {
	ref := int(h.next.Add(1) - 1)
	h.children.Store(ref, children)
	return ref
}

// Get returns the children stored under ref.
func (h *Handles) Get(ref int) ([]godap.Variable, bool) {
	return h.children.Load(ref)
}

func (h *Handles) Len() int {
	return h.children.Len()
}

// Reset drops all stored nodes. Numbering continues so that a stale reference held by
// the client is reported as invalid instead of resolving to an unrelated node.
func (h *Handles) Reset() {
	h.children.Clear()
}
