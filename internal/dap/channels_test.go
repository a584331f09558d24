/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dbgproxy/pkg/testutil"
)

func TestMessageQueueIsUnboundedAndOrdered(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	q := NewMessageQueue(ctx, "test")

	// Far more than the initial capacity, with no reader running.
	const count = 1000
	for i := 1; i <= count; i++ {
		require.NoError(t, q.Write(ctx, &Event{Seq: i, Event: "output"}))
	}
	q.Complete()

	for i := 1; i <= count; i++ {
		msg, err := q.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, i, msg.GetSeq())
	}

	_, err := q.Read(ctx)
	assert.ErrorIs(t, err, ErrQueueCompleted)
}

func TestMessageQueueCompleteVersusFail(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	completed := NewMessageQueue(ctx, "completed")
	require.NoError(t, completed.Write(ctx, &Event{Seq: 1}))
	completed.Complete()
	completed.Complete()
	assert.ErrorIs(t, completed.Write(ctx, &Event{Seq: 2}), ErrQueueCompleted)

	msg, err := completed.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.GetSeq())
	_, err = completed.Read(ctx)
	assert.ErrorIs(t, err, ErrQueueCompleted)

	failure := errors.New("stream corrupted")
	failed := NewMessageQueue(ctx, "failed")
	require.NoError(t, failed.Write(ctx, &Event{Seq: 1}))
	failed.Fail(failure)

	msg, err = failed.Read(ctx)
	require.NoError(t, err, "buffered items are delivered before the failure")
	assert.Equal(t, 1, msg.GetSeq())
	_, err = failed.Read(ctx)
	assert.ErrorIs(t, err, failure)
	assert.NotErrorIs(t, err, ErrQueueCompleted)
}

func TestMessageQueueMultipleProducers(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	q := NewMessageQueue(ctx, "mpsc")

	const producers = 4
	const perProducer = 100
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Write(ctx, &Event{Seq: p*perProducer + i})
			}
		}()
	}
	go func() {
		wg.Wait()
		q.Complete()
	}()

	received := 0
	for {
		_, err := q.Read(ctx)
		if errors.Is(err, ErrQueueCompleted) {
			break
		}
		require.NoError(t, err)
		received++
	}
	assert.Equal(t, producers*perProducer, received)
}

func TestMessageQueueReadHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	q := NewMessageQueue(ctx, "idle")

	readCtx, readCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer readCancel()

	_, err := q.Read(readCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	queueCtx, queueCancel := context.WithCancel(ctx)
	owned := NewMessageQueue(queueCtx, "owned")
	queueCancel()

	_, err = owned.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMessageChannelsCompleteAll(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	channels := NewMessageChannels(ctx)
	channels.CompleteAll()

	for _, q := range []*MessageQueue{channels.ClientInbound, channels.DebuggerInbound, channels.ClientOutbound, channels.DebuggerOutbound} {
		_, err := q.Read(ctx)
		assert.ErrorIs(t, err, ErrQueueCompleted, q.Name())
	}
}
