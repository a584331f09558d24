/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dbgproxy/internal/config"
	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/internal/session"
)

// clientStreams returns the connection to the debugging client. Replaced by tests.
var clientStreams = func() (io.Reader, io.Writer) {
	return os.Stdin, os.Stdout
}

func NewRunCommand(log logr.Logger, configFile *string) (*cobra.Command, error) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a debug session with the client on stdin/stdout",
		Long: `Runs a debug session.

	The debugging client talks to dbgproxy over stdin/stdout. dbgproxy starts the debug adapter
	and relays messages until either side disconnects.`,
		Args: cobra.NoArgs,
	}

	config.RegisterFlags(runCmd.Flags())
	monitorOpts := addMonitorFlags(runCmd)

	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v, err := config.New(cmd.Flags(), *configFile)
		if err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		s, err := session.NewSession(cfg.SessionConfig(), log)
		if err != nil {
			return err
		}

		ctx, err := monitorOpts.monitor(cmd.Context(), log)
		if err != nil {
			return err
		}

		r, w := clientStreams()
		return s.Run(ctx, dap.NewStreamTransport(r, w))
	}

	return runCmd, nil
}
