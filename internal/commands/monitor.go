/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dbgproxy/pkg/process"
)

const defaultMonitorInterval = time.Second

type monitorOptions struct {
	pid      int
	interval uint8
}

func addMonitorFlags(cmd *cobra.Command) *monitorOptions {
	opts := &monitorOptions{}
	cmd.Flags().IntVarP(&opts.pid, "monitor", "m", int(process.UnknownPID), "If present, tells dbgproxy to monitor a given process ID (PID), usually the IDE, and end the debug session if the monitored process exits for any reason.")
	cmd.Flags().Uint8VarP(&opts.interval, "monitor-interval", "i", 0, "If present, specifies the time in seconds between checks for the monitor PID.")
	return opts
}

// MonitorPid returns a context that is cancelled when the process with the given PID exits.
func MonitorPid(ctx context.Context, pid int, pollInterval time.Duration, log logr.Logger) (context.Context, error) {
	pidT, err := process.IntToPidT(pid)
	if err != nil || pidT == process.UnknownPID {
		return ctx, fmt.Errorf("no PID to monitor")
	}
	if !process.IsRunning(pidT) {
		return ctx, fmt.Errorf("process %d: %w", pid, os.ErrProcessDone)
	}
	if pollInterval <= 0 {
		pollInterval = defaultMonitorInterval
	}

	monitorCtx, monitorCtxCancel := context.WithCancel(ctx)
	go func() {
		defer monitorCtxCancel()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-monitorCtx.Done():
				log.V(1).Info("Monitoring cancelled by context", "pid", pid)
				return
			case <-ticker.C:
				if !process.IsRunning(pidT) {
					log.Info("Monitored process exited, shutting down", "pid", pid)
					return
				}
			}
		}
	}()

	return monitorCtx, nil
}

// monitor applies the --monitor flag to ctx. Without the flag ctx is returned unchanged.
func (opts *monitorOptions) monitor(ctx context.Context, log logr.Logger) (context.Context, error) {
	if opts.pid == int(process.UnknownPID) {
		return ctx, nil
	}

	monitorCtx, err := MonitorPid(ctx, opts.pid, time.Duration(opts.interval)*time.Second, log)
	if errors.Is(err, os.ErrProcessDone) {
		log.Info("Monitored process already exited", "pid", opts.pid)
	}
	return monitorCtx, err
}
