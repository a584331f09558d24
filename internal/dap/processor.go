/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/microsoft/dbgproxy/pkg/resiliency"
)

// Messages the proxy sends to the client itself are numbered from this base, above any
// sequence number the debugger issues in a session, so the two never collide on the client stream.
const localSeqBase = 1_000_000_000

// MessageProcessor is the protocol state machine between the four message queues.
// Client requests are handled strictly in arrival order. Debugger messages are each
// handled on their own goroutine, because a refiner may issue an internal request whose
// response is delivered by this same debugger loop.
type MessageProcessor struct {
	channels        *MessageChannels
	tracker         *RequestTracker
	clientRefiner   ClientRefiner
	debuggerRefiner DebuggerRefiner
	log             logr.Logger

	// clientSeq numbers the messages the proxy itself sends to the client
	clientSeq atomic.Int64

	// handlers tracks in-flight debugger message units of work
	handlers sync.WaitGroup
}

func NewMessageProcessor(
	channels *MessageChannels,
	tracker *RequestTracker,
	clientRefiner ClientRefiner,
	debuggerRefiner DebuggerRefiner,
	log logr.Logger,
) *MessageProcessor {
	mp := &MessageProcessor{
		channels:        channels,
		tracker:         tracker,
		clientRefiner:   clientRefiner,
		debuggerRefiner: debuggerRefiner,
		log:             log,
	}
	mp.clientSeq.Store(localSeqBase)
	return mp
}

// Run consumes both inbound queues until they are completed or ctx is cancelled.
func (mp *MessageProcessor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		mp.clientLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		mp.debuggerLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (mp *MessageProcessor) clientLoop(ctx context.Context) {
	for {
		msg, readErr := mp.channels.ClientInbound.Read(ctx)
		if readErr != nil {
			if errors.Is(readErr, ErrQueueCompleted) {
				mp.log.V(1).Info("Client message stream completed")
				// Nothing more will be relayed on the client's behalf.
				mp.channels.DebuggerOutbound.Complete()
			}
			return
		}

		req, isRequest := msg.(*Request)
		if !isRequest {
			mp.log.Info("Ignoring unexpected message from client", "type", msg.MessageType(), "seq", msg.GetSeq())
			continue
		}

		mp.handleClientRequest(ctx, req)
	}
}

func (mp *MessageProcessor) handleClientRequest(ctx context.Context, req *Request) {
	clientSeq := req.Seq
	proxySeq := mp.tracker.RegisterClientRequest(clientSeq, req)

	result := ForwardUnchanged()
	if mp.clientRefiner != nil {
		refined, refineErr := mp.refineClientRequest(ctx, req)
		if refineErr != nil {
			mp.log.Error(refineErr, "Client request refiner failed, forwarding request unchanged", "command", req.Command, "seq", clientSeq)
		} else {
			result = refined
		}
	}

	if result.Reply != nil {
		mp.tracker.GetAndRemove(proxySeq)
		reply := result.Reply
		reply.RequestSeq = clientSeq
		mp.log.V(1).Info("Answering client request locally", "command", req.Command, "seq", clientSeq)
		mp.sendToClient(ctx, reply)
		return
	}

	forward := req
	if result.Forward != nil {
		forward = result.Forward
	}
	forward.Seq = proxySeq

	mp.log.V(1).Info("Forwarding request to debugger",
		"command", forward.Command,
		"originalSeq", clientSeq,
		"proxySeq", proxySeq)

	if writeErr := mp.channels.DebuggerOutbound.Write(ctx, forward); writeErr != nil {
		mp.tracker.GetAndRemove(proxySeq)
		mp.log.V(1).Info("Could not forward request to debugger", "command", forward.Command, "error", writeErr.Error())
	}
}

func (mp *MessageProcessor) refineClientRequest(ctx context.Context, req *Request) (result ClientRequestResult, err error) {
	// The refiner sees the client's own numbering; the processor stamps the proxy seq afterwards.
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), mp.log); panicErr != nil {
			err = panicErr
		}
	}()
	return mp.clientRefiner.RefineClientRequest(ctx, req), nil
}

func (mp *MessageProcessor) debuggerLoop(ctx context.Context) {
	defer mp.handlers.Wait()

	for {
		msg, readErr := mp.channels.DebuggerInbound.Read(ctx)
		if readErr != nil {
			if errors.Is(readErr, ErrQueueCompleted) {
				mp.log.V(1).Info("Debugger message stream completed", "pendingRequests", mp.tracker.Len())
				// No response can arrive anymore; release internal waiters before draining handlers.
				mp.tracker.Clear()
				mp.handlers.Wait()
				mp.channels.ClientOutbound.Complete()
			}
			return
		}

		mp.handlers.Add(1)
		go func() {
			defer mp.handlers.Done()
			defer func() {
				if panicErr := resiliency.MakePanicError(recover(), mp.log); panicErr != nil {
					mp.log.Error(panicErr, "Dropping debugger message after handler panic", "type", msg.MessageType(), "seq", msg.GetSeq())
				}
			}()
			mp.handleDebuggerMessage(ctx, msg)
		}()
	}
}

func (mp *MessageProcessor) handleDebuggerMessage(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case *Response:
		mp.handleDebuggerResponse(ctx, m)
	case *Event:
		out := Message(m)
		if mp.debuggerRefiner != nil {
			if refined := mp.refineDebuggerMessage(m, func() Message { return mp.debuggerRefiner.RefineEvent(ctx, m) }); refined != nil {
				out = refined
			}
		}
		mp.forwardToClient(ctx, out)
	default:
		mp.log.Info("Ignoring unexpected message from debugger", "type", msg.MessageType(), "seq", msg.GetSeq())
	}
}

func (mp *MessageProcessor) handleDebuggerResponse(ctx context.Context, resp *Response) {
	rc, found := mp.tracker.GetAndRemove(resp.RequestSeq)
	if !found {
		mp.log.Info("Dropping response to unknown request", "requestSeq", resp.RequestSeq, "command", resp.Command)
		return
	}

	if rc.Origin == OriginProxy {
		if !rc.Completion.Resolve(resp) {
			mp.log.V(1).Info("Internal request was abandoned before its response arrived", "requestSeq", resp.RequestSeq, "command", resp.Command)
		}
		return
	}

	resp.RequestSeq = rc.OriginalSeq
	if rc.Request != nil && resp.Command != rc.Request.Command {
		// The request was rewritten on its way out; answer the command the client issued.
		resp.Command = rc.Request.Command
	}

	out := Message(resp)
	if mp.debuggerRefiner != nil {
		if refined := mp.refineDebuggerMessage(resp, func() Message { return mp.debuggerRefiner.RefineResponse(ctx, resp, rc.Request) }); refined != nil {
			out = refined
		}
	}
	mp.forwardToClient(ctx, out)
}

// refineDebuggerMessage runs a refiner, falling back to the unrefined message if it panics.
func (mp *MessageProcessor) refineDebuggerMessage(original Message, refine func() Message) (refined Message) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), mp.log); panicErr != nil {
			mp.log.Error(panicErr, "Debugger message refiner failed, forwarding message unchanged", "type", original.MessageType(), "seq", original.GetSeq())
			refined = nil
		}
	}()
	return refine()
}

// forwardToClient relays a debugger-originated message, keeping the debugger's numbering.
func (mp *MessageProcessor) forwardToClient(ctx context.Context, msg Message) {
	if writeErr := mp.channels.ClientOutbound.Write(ctx, msg); writeErr != nil {
		mp.log.V(1).Info("Could not forward message to client", "type", msg.MessageType(), "error", writeErr.Error())
	}
}

// sendToClient delivers a proxy-originated message, numbered from localSeqBase upwards.
func (mp *MessageProcessor) sendToClient(ctx context.Context, msg Message) {
	msg.SetSeq(int(mp.clientSeq.Add(1)))
	if writeErr := mp.channels.ClientOutbound.Write(ctx, msg); writeErr != nil {
		mp.log.V(1).Info("Could not send message to client", "type", msg.MessageType(), "error", writeErr.Error())
	}
}
