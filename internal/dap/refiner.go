/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
)

// ClientRequestResult tells the processor what to do with a client request after refinement.
type ClientRequestResult struct {
	// Forward is the request to send to the debugger instead of the original.
	// If nil (and Reply is nil), the original request is forwarded unchanged.
	Forward *Request

	// Reply answers the client directly; nothing is sent to the debugger.
	Reply *Response
}

// ClientRefiner inspects and transforms requests flowing from the client to the debugger.
// It runs on the client processing loop, one request at a time, in arrival order.
type ClientRefiner interface {
	RefineClientRequest(ctx context.Context, req *Request) ClientRequestResult
}

// DebuggerRefiner inspects and transforms messages flowing from the debugger to the client.
// Each message is refined on its own goroutine, so implementations may issue internal
// requests through the proxy and must be safe for concurrent use.
type DebuggerRefiner interface {
	// RefineResponse receives a response to a client request (request_seq already restored)
	// together with the client request it answers. Returning nil forwards resp unchanged.
	RefineResponse(ctx context.Context, resp *Response, req *Request) Message

	// RefineEvent receives an adapter event. Returning nil forwards evt unchanged.
	RefineEvent(ctx context.Context, evt *Event) Message
}

// ClientRefinerFunc adapts a function to the ClientRefiner interface.
type ClientRefinerFunc func(ctx context.Context, req *Request) ClientRequestResult

func (f ClientRefinerFunc) RefineClientRequest(ctx context.Context, req *Request) ClientRequestResult {
	return f(ctx, req)
}

// ForwardUnchanged returns a result that forwards the original request.
func ForwardUnchanged() ClientRequestResult {
	return ClientRequestResult{}
}

// ForwardModified returns a result that forwards req in place of the original.
func ForwardModified(req *Request) ClientRequestResult {
	return ClientRequestResult{Forward: req}
}

// ReplyLocally returns a result that answers the client without involving the debugger.
func ReplyLocally(resp *Response) ClientRequestResult {
	return ClientRequestResult{Reply: resp}
}
