/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"

	"github.com/microsoft/dbgproxy/internal/converters"
	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/internal/launch"
	"github.com/microsoft/dbgproxy/pkg/process"
)

// Debuggee state changes after which variables references are no longer valid.
var referenceResetEvents = map[string]bool{
	"stopped":   true,
	"continued": true,
	"exited":    true,
}

// ProcessChecker reports whether a process is alive.
type ProcessChecker func(pid int) bool

func isProcessRunning(pid int) bool {
	p, err := process.IntToPidT(pid)
	if err != nil || p == process.UnknownPID {
		return false
	}
	return process.IsRunning(p)
}

// clientRefiner rewrites the intercepted attach request and answers requests
// about converter-created nodes without involving the debugger.
type clientRefiner struct {
	rewriter     *launch.Rewriter
	dispatcher   *converters.Dispatcher
	processAlive ProcessChecker
	intercepted  atomic.Bool
	log          logr.Logger
}

var _ dap.ClientRefiner = (*clientRefiner)(nil)

func (cr *clientRefiner) RefineClientRequest(_ context.Context, req *dap.Request) dap.ClientRequestResult {
	if launch.ShouldIntercept(req) && cr.intercepted.CompareAndSwap(false, true) {
		return cr.rewriteAttach(req)
	}

	ref, hasRef := variablesReferenceOf(req)
	if !hasRef || !cr.dispatcher.IsSynthetic(ref) {
		return dap.ForwardUnchanged()
	}

	if req.Command != dap.CommandVariables {
		cr.log.V(1).Info("Rejecting request for a converter-created value", "command", req.Command, "reference", ref)
		return dap.ReplyLocally(dap.NewErrorResponse(req, fmt.Sprintf("'%s' is not supported for this value", req.Command)))
	}

	children, found := cr.dispatcher.Synthetic(ref)
	if !found {
		return dap.ReplyLocally(dap.NewErrorResponse(req, fmt.Sprintf("variables reference %d is no longer valid", ref)))
	}

	var args godap.VariablesArguments
	_ = json.Unmarshal(req.Arguments, &args)
	resp, respErr := dap.NewResponse(req, godap.VariablesResponseBody{Variables: page(children, args.Start, args.Count)})
	if respErr != nil {
		return dap.ReplyLocally(dap.NewErrorResponse(req, respErr.Error()))
	}
	return dap.ReplyLocally(resp)
}

func (cr *clientRefiner) rewriteAttach(req *dap.Request) dap.ClientRequestResult {
	pid := 0
	if req.Attach != nil && req.Attach.ProcessID > 0 {
		if cr.processAlive(req.Attach.ProcessID) {
			pid = req.Attach.ProcessID
		} else {
			cr.log.Info("Attach target process is not running, it will be ignored", "pid", req.Attach.ProcessID)
		}
	}

	rewritten, err := cr.rewriter.Rewrite(req, pid)
	if err != nil {
		cr.log.Error(err, "Could not build the debug request for the project")
		return dap.ReplyLocally(dap.NewErrorResponse(req, err.Error()))
	}

	cr.log.Info("Rewrote intercepted attach request", "command", rewritten.Command, "pid", pid)
	return dap.ForwardModified(rewritten)
}

// variablesReferenceOf returns the variablesReference argument of req, if it has one.
func variablesReferenceOf(req *dap.Request) (int, bool) {
	if len(req.Arguments) == 0 {
		return 0, false
	}
	var args struct {
		VariablesReference *int `json:"variablesReference"`
	}
	if err := json.Unmarshal(req.Arguments, &args); err != nil || args.VariablesReference == nil {
		return 0, false
	}
	return *args.VariablesReference, true
}

// page applies the optional start/count window of a variables request.
func page(children []godap.Variable, start, count int) []godap.Variable {
	if start <= 0 && count <= 0 {
		return children
	}
	start = max(start, 0)
	if start >= len(children) {
		return []godap.Variable{}
	}
	end := len(children)
	if count > 0 {
		end = min(end, start+count)
	}
	return children[start:end]
}

// debuggerRefiner applies value converters to the variables the client expands.
type debuggerRefiner struct {
	dispatcher *converters.Dispatcher
	requester  converters.Requester
	log        logr.Logger
}

var _ dap.DebuggerRefiner = (*debuggerRefiner)(nil)

func (dr *debuggerRefiner) RefineResponse(ctx context.Context, resp *dap.Response, req *dap.Request) dap.Message {
	if !resp.Success || len(resp.Body) == 0 {
		return nil
	}

	switch resp.Command {
	case dap.CommandVariables:
		return dr.refineVariables(ctx, resp, req)

	case dap.CommandEvaluate:
		var body godap.EvaluateResponseBody
		if err := dap.DecodeBody(resp.Body, &body); err != nil {
			dr.log.V(1).Info("Could not decode evaluate response", "error", err.Error())
			return nil
		}
		dr.dispatcher.TrackReference(body.VariablesReference, body.Type)
		return nil

	default:
		return nil
	}
}

func (dr *debuggerRefiner) refineVariables(ctx context.Context, resp *dap.Response, req *dap.Request) dap.Message {
	var body godap.VariablesResponseBody
	if err := dap.DecodeBody(resp.Body, &body); err != nil {
		dr.log.V(1).Info("Could not decode variables response", "error", err.Error())
		return nil
	}

	ref := 0
	if req != nil {
		var args godap.VariablesArguments
		if err := json.Unmarshal(req.Arguments, &args); err == nil {
			ref = args.VariablesReference
		}
	}

	if _, tracked := dr.dispatcher.ConverterFor(ref); !tracked {
		dr.dispatcher.Track(body.Variables)
		return nil
	}

	converted, _ := dr.dispatcher.Expand(ctx, dr.requester, ref, body.Variables)
	raw, marshalErr := json.Marshal(godap.VariablesResponseBody{Variables: converted})
	if marshalErr != nil {
		dr.log.Error(marshalErr, "Could not encode converted variables", "reference", ref)
		return nil
	}

	refined := *resp
	refined.Body = raw
	return &refined
}

func (dr *debuggerRefiner) RefineEvent(_ context.Context, evt *dap.Event) dap.Message {
	if referenceResetEvents[evt.Event] {
		dr.dispatcher.Reset()
		dr.log.V(1).Info("Debuggee state changed, converter state reset", "event", evt.Event)
	}
	return nil
}
