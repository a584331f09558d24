/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dbgproxy/internal/version"
)

// If set, the value of this variable will be written to the log as one of the first log messages.
const DBGPROXY_LOGGING_CONTEXT = "DBGPROXY_LOGGING_CONTEXT"

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		versionStr, err := versionString()
		if err != nil {
			log.WithName("version").Error(err, "Could not serialize version information")
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), versionStr)
		return err
	}
}

// LogVersion logs the process identity at V(1). Used as a PersistentPreRun hook.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionString, err := versionString()
		if err != nil {
			versionString = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionString,
		)

		if logContext, found := os.LookupEnv(DBGPROXY_LOGGING_CONTEXT); found && len(logContext) > 0 {
			log.V(1).Info(logContext)
		}
	}
}

func versionString() (string, error) {
	content, err := json.Marshal(version.Version())
	if err != nil {
		return "", err
	}
	return string(content), nil
}
