/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// Go duration (e.g. "30m") that replaces every test timeout. Useful when stepping through tests in a debugger.
const DBGPROXY_TEST_CONTEXT_TIMEOUT = "DBGPROXY_TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context bounded by the shorter of testTimeout and the test deadline.
// A zero testTimeout means only the test deadline applies.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if override, found := os.LookupEnv(DBGPROXY_TEST_CONTEXT_TIMEOUT); found {
		timeout, err := time.ParseDuration(override)
		if err != nil || timeout <= 0 {
			panic(fmt.Sprintf("%s value '%s' is not a positive duration", DBGPROXY_TEST_CONTEXT_TIMEOUT, override))
		}
		return context.WithTimeout(context.Background(), timeout)
	}

	deadline, haveDeadline := t.Deadline()
	if testTimeout > 0 {
		if testDeadline := time.Now().Add(testTimeout); !haveDeadline || testDeadline.Before(deadline) {
			deadline, haveDeadline = testDeadline, true
		}
	}

	if !haveDeadline {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}
