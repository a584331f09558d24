/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/microsoft/dbgproxy/pkg/syncmap"
)

// ErrRequestCancelled is reported to an internal request waiter whose request was
// abandoned, either by its own cancellation or by session teardown.
var ErrRequestCancelled = errors.New("internal request cancelled")

// ErrTrackerClosed is returned when an internal request is registered after the
// debugger stream has ended and no response can arrive anymore.
var ErrTrackerClosed = errors.New("request tracker is closed")

// RequestOrigin identifies who issued a request that is awaiting a response.
type RequestOrigin int

const (
	// OriginClient marks a request that came from the debugging client.
	OriginClient RequestOrigin = iota
	// OriginProxy marks an internal request issued by the proxy itself.
	OriginProxy
)

func (o RequestOrigin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Completion is a one-shot handle through which an internal request receives its response.
// Exactly one of Resolve or Cancel takes effect; later calls are no-ops.
type Completion struct {
	done     chan struct{}
	once     sync.Once
	response *Response
	err      error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve completes the handle with a response. Returns false if it was already completed.
func (c *Completion) Resolve(resp *Response) bool {
	resolved := false
	c.once.Do(func() {
		c.response = resp
		resolved = true
		close(c.done)
	})
	return resolved
}

// Cancel marks the handle cancelled. Returns false if it was already completed.
func (c *Completion) Cancel() bool {
	cancelled := false
	c.once.Do(func() {
		c.err = ErrRequestCancelled
		cancelled = true
		close(c.done)
	})
	return cancelled
}

// Done is closed once the handle is resolved or cancelled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the response or ErrRequestCancelled. Only valid after Done is closed.
func (c *Completion) Result() (*Response, error) {
	return c.response, c.err
}

// RequestContext is the bookkeeping kept for every request in flight to the debugger.
type RequestContext struct {
	Origin RequestOrigin

	// OriginalSeq is the client's sequence number (0 for proxy-origin requests).
	OriginalSeq int

	// Request is the request as forwarded (with the proxy-issued sequence number).
	Request *Request

	// Completion receives the response of proxy-origin requests; nil for client requests.
	Completion *Completion
}

// RequestTracker issues proxy sequence numbers and correlates debugger responses
// with the requests that caused them. It is safe for concurrent use.
type RequestTracker struct {
	seq      atomic.Int64
	inFlight syncmap.Map[int, *RequestContext]

	// Held for reading while an internal request is registered and for writing by Clear,
	// so that no registration slips in between closing and cancelling.
	lock   sync.RWMutex
	closed bool
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{}
}

// NextSeq returns a fresh, monotonically increasing sequence number.
func (t *RequestTracker) NextSeq() int {
	return int(t.seq.Add(1))
}

// RegisterClientRequest records a client request and returns the sequence number
// the debugger will see in its place.
func (t *RequestTracker) RegisterClientRequest(clientSeq int, req *Request) int {
	proxySeq := t.NextSeq()
	t.inFlight.Store(proxySeq, &RequestContext{
		Origin:      OriginClient,
		OriginalSeq: clientSeq,
		Request:     req,
	})
	return proxySeq
}

// RegisterProxyRequest records an internal request whose response will be delivered
// through completion, and returns its sequence number.
// Fails with ErrTrackerClosed once Clear has been called.
func (t *RequestTracker) RegisterProxyRequest(completion *Completion, req *Request) (int, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.closed {
		return 0, ErrTrackerClosed
	}

	proxySeq := t.NextSeq()
	t.inFlight.Store(proxySeq, &RequestContext{
		Origin:     OriginProxy,
		Request:    req,
		Completion: completion,
	})
	return proxySeq, nil
}

// GetAndRemove returns and forgets the context for proxySeq.
// The boolean is false when nothing is tracked under that number.
func (t *RequestTracker) GetAndRemove(proxySeq int) (*RequestContext, bool) {
	return t.inFlight.LoadAndDelete(proxySeq)
}

// Len returns the number of requests awaiting a response.
func (t *RequestTracker) Len() int {
	return t.inFlight.Len()
}

// Clear drops every tracked request and closes the tracker to further internal requests.
// Internal waiters are cancelled so that none of them blocks forever; client requests are
// discarded silently.
func (t *RequestTracker) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.closed = true
	t.inFlight.Range(func(seq int, rc *RequestContext) bool {
		if _, removed := t.inFlight.LoadAndDelete(seq); removed && rc.Origin == OriginProxy && rc.Completion != nil {
			rc.Completion.Cancel()
		}
		return true
	})
}
