/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Peer identifies one of the two connections the proxy relays between.
type Peer int

const (
	PeerClient Peer = iota
	PeerDebugger
)

func (p Peer) String() string {
	switch p {
	case PeerClient:
		return "client"
	case PeerDebugger:
		return "debugger"
	default:
		return "unknown"
	}
}

// ProxyState is the lifecycle state of a DebuggerProxy.
type ProxyState int32

const (
	StateCreated ProxyState = iota
	StateStarted
	StateRunning
	StateCompleted
	StateFaulted
	StateCancelled
)

func (s ProxyState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFaulted:
		return "Faulted"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsFinal returns true for the states a proxy ends in.
func (s ProxyState) IsFinal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateCancelled
}

// DisconnectHandler is invoked when a peer closes its stream.
type DisconnectHandler func(peer Peer)

// ProxyConfig contains configuration options for the debugger proxy.
type ProxyConfig struct {
	// ClientRefiner transforms client requests before they are forwarded. Optional.
	ClientRefiner ClientRefiner

	// DebuggerRefiner transforms debugger responses and events before they are forwarded. Optional.
	DebuggerRefiner DebuggerRefiner

	// Logger is the logger for the proxy. If not set, logging is disabled.
	Logger logr.Logger
}

// DebuggerProxy relays DAP traffic between a client and a debug adapter, virtualizing
// request sequence numbers and allowing the proxy itself to issue internal requests.
type DebuggerProxy struct {
	client   Transport
	debugger Transport
	config   ProxyConfig
	log      logr.Logger

	tracker  *RequestTracker
	channels *MessageChannels

	state atomic.Int32

	// ctx is the linked lifetime of the five proxy loops
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	err  error

	closeOnce sync.Once
}

// NewDebuggerProxy creates a proxy between the client and debugger transports.
// The proxy owns both transports and closes them when it stops.
func NewDebuggerProxy(client, debugger Transport, config ProxyConfig) *DebuggerProxy {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &DebuggerProxy{
		client:   client,
		debugger: debugger,
		config:   config,
		log:      log,
		tracker:  NewRequestTracker(),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (p *DebuggerProxy) State() ProxyState {
	return ProxyState(p.state.Load())
}

// Done returns a channel that is closed when the proxy reaches a final state.
func (p *DebuggerProxy) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome once Done is closed: nil when completed, the context error
// when cancelled, or the fault that stopped the proxy.
func (p *DebuggerProxy) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the proxy stops and returns its outcome (see Err).
func (p *DebuggerProxy) Wait() error {
	<-p.done
	return p.err
}

// Stop cancels the proxy loops. The proxy finishes asynchronously; use Wait or Done.
func (p *DebuggerProxy) Stop() {
	if p.cancel != nil && p.State() != StateCreated {
		p.cancel()
	}
}

// Start launches the client reader, debugger reader, client writer, debugger writer and
// message processor loops and returns immediately. The loops run until ctx is cancelled,
// a peer disconnects, or a transport fault occurs.
func (p *DebuggerProxy) Start(ctx context.Context, onDisconnect DisconnectHandler) error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return fmt.Errorf("proxy cannot be started in state %s", p.State())
	}
	if onDisconnect == nil {
		onDisconnect = func(Peer) {}
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.channels = NewMessageChannels(p.ctx)
	processor := NewMessageProcessor(p.channels, p.tracker, p.config.ClientRefiner, p.config.DebuggerRefiner, p.log)

	// Closing the transports is the only way to unblock readers waiting on a peer.
	go func() {
		<-p.ctx.Done()
		p.closeTransports()
	}()

	type loop struct {
		name string
		run  func() error
	}
	loops := []loop{
		{"client reader", func() error {
			return p.readLoop(PeerClient, p.client, p.channels.ClientInbound, onDisconnect)
		}},
		{"debugger reader", func() error {
			return p.readLoop(PeerDebugger, p.debugger, p.channels.DebuggerInbound, onDisconnect)
		}},
		{"client writer", func() error {
			return p.writeLoop(PeerClient, p.client, p.channels.ClientOutbound)
		}},
		{"debugger writer", func() error {
			return p.writeLoop(PeerDebugger, p.debugger, p.channels.DebuggerOutbound)
		}},
		{"processor", func() error {
			return processor.Run(p.ctx)
		}},
	}

	var wg sync.WaitGroup
	var faultsMu sync.Mutex
	var faults []error

	wg.Add(len(loops))
	for _, l := range loops {
		go func() {
			defer wg.Done()
			if loopErr := l.run(); loopErr != nil {
				p.log.Error(loopErr, "Proxy loop failed", "loop", l.name)
				faultsMu.Lock()
				faults = append(faults, fmt.Errorf("%s: %w", l.name, loopErr))
				faultsMu.Unlock()
				p.cancel()
			}
		}()
	}

	p.state.Store(int32(StateRunning))
	p.log.V(1).Info("Debugger proxy started")

	go func() {
		wg.Wait()
		p.finish(ctx, errors.Join(faults...))
	}()

	return nil
}

func (p *DebuggerProxy) finish(parentCtx context.Context, fault error) {
	p.channels.CompleteAll()
	p.tracker.Clear()
	p.cancel()
	p.closeTransports()

	switch {
	case fault != nil:
		p.err = fault
		p.state.Store(int32(StateFaulted))
	case parentCtx.Err() != nil:
		p.err = parentCtx.Err()
		p.state.Store(int32(StateCancelled))
	default:
		p.state.Store(int32(StateCompleted))
	}

	p.log.V(1).Info("Debugger proxy stopped", "state", p.State().String())
	close(p.done)
}

func (p *DebuggerProxy) closeTransports() {
	p.closeOnce.Do(func() {
		if closeErr := p.client.Close(); closeErr != nil {
			p.log.V(1).Info("Error closing client transport", "error", closeErr.Error())
		}
		if closeErr := p.debugger.Close(); closeErr != nil {
			p.log.V(1).Info("Error closing debugger transport", "error", closeErr.Error())
		}
	})
}

func (p *DebuggerProxy) readLoop(peer Peer, t Transport, inbound *MessageQueue, onDisconnect DisconnectHandler) error {
	defer inbound.Complete()

	for {
		msg, readErr := t.ReadMessage()
		if readErr != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			if IsDisconnect(readErr) {
				p.log.Info("Peer disconnected", "peer", peer.String())
				onDisconnect(peer)
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", peer, readErr)
		}

		p.log.V(1).Info("Received message", "from", peer.String(), "type", msg.MessageType(), "seq", msg.GetSeq())

		if writeErr := inbound.Write(p.ctx, msg); writeErr != nil {
			return nil // Shutting down
		}
	}
}

func (p *DebuggerProxy) writeLoop(peer Peer, t Transport, outbound *MessageQueue) error {
	for {
		msg, readErr := outbound.Read(p.ctx)
		if readErr != nil {
			if errors.Is(readErr, ErrQueueCompleted) {
				// Everything destined for this peer has been written; tear the session down.
				p.cancel()
				return nil
			}
			if p.ctx.Err() != nil {
				return nil
			}
			return readErr
		}

		if writeErr := t.WriteMessage(msg); writeErr != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			if IsDisconnect(writeErr) {
				p.log.Info("Peer went away while writing", "peer", peer.String())
				p.cancel()
				return nil
			}
			return fmt.Errorf("failed to write to %s: %w", peer, writeErr)
		}

		p.log.V(1).Info("Sent message", "to", peer.String(), "type", msg.MessageType(), "seq", msg.GetSeq())
	}
}

// RunInternalRequest sends req to the debugger on the proxy's own behalf and waits for
// the response. The request gets a fresh sequence number and bypasses the client refiner;
// its response is never shown to the client or to refiners. If ctx ends first the request
// is abandoned: a response arriving later is discarded.
func (p *DebuggerProxy) RunInternalRequest(ctx context.Context, req *Request) (*Response, error) {
	if p.State() != StateRunning {
		return nil, ErrProxyNotRunning
	}

	completion := NewCompletion()
	seq, regErr := p.tracker.RegisterProxyRequest(completion, req)
	if regErr != nil {
		p.log.V(1).Info("Internal request refused, debugger stream has ended", "command", req.Command)
		return nil, ErrProxyClosed
	}
	req.Seq = seq

	p.log.V(1).Info("Sending internal request", "command", req.Command, "seq", seq)

	if writeErr := p.channels.DebuggerOutbound.Write(ctx, req); writeErr != nil {
		p.tracker.GetAndRemove(seq)
		completion.Cancel()
		if errors.Is(writeErr, ErrQueueCompleted) {
			return nil, ErrProxyClosed
		}
		return nil, writeErr
	}

	select {
	case <-completion.Done():
		resp, err := completion.Result()
		if err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		completion.Cancel()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		completion.Cancel()
		return nil, ErrProxyClosed
	}
}
