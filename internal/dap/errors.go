/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
)

var (
	// ErrProxyNotRunning is returned when an internal request is issued before the proxy
	// has started or after it has stopped.
	ErrProxyNotRunning = errors.New("proxy is not running")

	// ErrProxyClosed is returned to internal request waiters when the proxy shuts down.
	ErrProxyClosed = errors.New("proxy is closed")
)

// IsDisconnect returns true if the error means the peer has gone away (stream ended,
// pipe or socket closed) as opposed to the stream carrying invalid data.
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, ErrTransportClosed)
}

// IsProxyError returns true if the error means the proxy could not service a request.
func IsProxyError(err error) bool {
	return errors.Is(err, ErrProxyClosed) ||
		errors.Is(err, ErrProxyNotRunning) ||
		errors.Is(err, ErrRequestCancelled)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// The same applies to a process killed because the context was cancelled.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.V(1).Info("Filtering redundant context error", "error", err.Error())
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
			log.V(1).Info("Filtering process killed error on context cancellation", "error", err.Error())
			return nil
		}
	}

	return err
}
