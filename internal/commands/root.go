/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dbgproxy/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "dbgproxy",
		Short: "Relays Debug Adapter Protocol traffic between an IDE and a .NET debug adapter",
		Long: `dbgproxy sits between a debugging client and a debug adapter.

	It turns the client's placeholder attach request into a launch (or attach) of the
	compiled project, and shows runtime collections and common value types in a
	readable form.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) { log.Flush() },
	}

	logVersion := LogVersion(log.Logger, "Starting dbgproxy...")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := log.ApplyLevelFromEnv(cmd.Flags()); err != nil {
			return err
		}
		logVersion(cmd, args)
		return nil
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (yaml or json). Flags and DBGPROXY_ environment variables take precedence over it.")

	var err error
	var cmd *cobra.Command

	if cmd, err = NewRunCommand(log.Logger.WithName("run"), &configFile); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'run' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
