/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"sync"

	"github.com/smallnest/chanx"
)

// ErrQueueCompleted is returned when writing to a completed queue, and when reading
// from a completed queue that has been fully drained.
var ErrQueueCompleted = errors.New("message queue completed")

const queueInitialCapacity = 16

// MessageQueue is an unbounded multi-producer/single-consumer queue of DAP messages.
// Completing the queue ("no more items") is distinct from failing it with an error;
// in both cases buffered items are still delivered before the reader observes the end.
type MessageQueue struct {
	name string
	ch   *chanx.UnboundedChan[Message]
	ctx  context.Context

	// mu guards closing the input channel against concurrent writers
	mu        sync.RWMutex
	completed bool
	err       error
}

// NewMessageQueue creates a queue that lives until ctx is cancelled or it is completed.
func NewMessageQueue(ctx context.Context, name string) *MessageQueue {
	return &MessageQueue{
		name: name,
		ch:   chanx.NewUnboundedChan[Message](ctx, queueInitialCapacity),
		ctx:  ctx,
	}
}

func (q *MessageQueue) Name() string {
	return q.name
}

// Write enqueues msg. It only blocks while the queue hands the item to its buffer.
func (q *MessageQueue) Write(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.completed {
		return ErrQueueCompleted
	}

	select {
	case q.ch.In <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
}

// Read returns the next message. Once the queue is completed and drained it returns
// ErrQueueCompleted, or the error the queue was failed with.
func (q *MessageQueue) Read(ctx context.Context) (Message, error) {
	select {
	case msg, isOpen := <-q.ch.Out:
		if !isOpen {
			if err := q.Err(); err != nil {
				return nil, err
			}
			// The queue's lifetime context ended before anyone completed it.
			return nil, q.ctx.Err()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete signals that no more items will be written. Safe to call more than once.
func (q *MessageQueue) Complete() {
	q.complete(nil)
}

// Fail completes the queue with an error that the reader observes after draining.
func (q *MessageQueue) Fail(err error) {
	q.complete(err)
}

func (q *MessageQueue) complete(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.completed {
		return
	}
	q.completed = true
	q.err = err
	close(q.ch.In)
}

// Err returns the completion error: nil while open, ErrQueueCompleted after a normal
// completion, or the failure error.
func (q *MessageQueue) Err() error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	switch {
	case !q.completed:
		return nil
	case q.err != nil:
		return q.err
	default:
		return ErrQueueCompleted
	}
}

// MessageChannels groups the four one-way queues between the proxy's I/O loops
// and its message processor.
type MessageChannels struct {
	ClientInbound    *MessageQueue
	DebuggerInbound  *MessageQueue
	ClientOutbound   *MessageQueue
	DebuggerOutbound *MessageQueue
}

func NewMessageChannels(ctx context.Context) *MessageChannels {
	return &MessageChannels{
		ClientInbound:    NewMessageQueue(ctx, "client-inbound"),
		DebuggerInbound:  NewMessageQueue(ctx, "debugger-inbound"),
		ClientOutbound:   NewMessageQueue(ctx, "client-outbound"),
		DebuggerOutbound: NewMessageQueue(ctx, "debugger-outbound"),
	}
}

// CompleteAll completes every queue that is still open.
func (c *MessageChannels) CompleteAll() {
	c.ClientInbound.Complete()
	c.DebuggerInbound.Complete()
	c.ClientOutbound.Complete()
	c.DebuggerOutbound.Complete()
}
