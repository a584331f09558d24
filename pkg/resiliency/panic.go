/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"fmt"
	"runtime/debug"

	"github.com/go-logr/logr"
)

// PanicError is a recovered panic. Value is what was passed to panic, Stack is the
// call stack of the panicking goroutine at the point of recovery.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, isError := e.Value.(error); isError {
		return err
	}
	return nil
}

// MakePanicError logs a recovered panic and returns it as a *PanicError.
// Returns nil when there was no panic, so it can be called unconditionally with recover().
// The error is marked permanent so that a panic inside a retried operation is not retried.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr := &PanicError{Value: panicVal, Stack: string(debug.Stack())}
	log.Error(panicErr, "Recovered from panic, abandoning the current unit of work", "stack", panicErr.Stack)
	return Permanent(panicErr)
}
