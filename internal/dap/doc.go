/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements a Debug Adapter Protocol (DAP) relay that sits between a
debugging client (the editor) and a debug adapter process.

# Architecture Overview

A DebuggerProxy owns two transports and runs five loops:

  - client reader and debugger reader: decode framed messages into the inbound queues
  - client writer and debugger writer: drain the outbound queues onto the wire
  - message processor: correlates requests with responses and invokes refiners

The four queues (MessageChannels) are unbounded, so a slow peer never blocks the other.

# Sequence Virtualization

Every request sent to the debugger carries a sequence number issued by the proxy's
RequestTracker. When the debugger responds, the tracker maps request_seq back to the
client's own sequence number before the response is relayed. The proxy can therefore
interleave its own internal requests (RunInternalRequest) with client traffic without
the client ever seeing them.

# Refiners

A ClientRefiner may rewrite or answer client requests. A DebuggerRefiner may rewrite
responses and events headed for the client. Debugger messages are refined concurrently,
one goroutine per message, which allows a refiner to call RunInternalRequest and wait
for a response that the same debugger loop delivers.

# Shutdown

When either peer closes its stream, the reader completes its inbound queue and the
completion flows through the processor to the opposite writer, which then cancels the
session. Pending internal requests are cancelled at teardown.

	proxy := dap.NewDebuggerProxy(client, debugger, dap.ProxyConfig{Logger: log})
	if err := proxy.Start(ctx, nil); err != nil {
		return err
	}
	return proxy.Wait()
*/
package dap
