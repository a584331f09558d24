/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/microsoft/dbgproxy/pkg/logger"
)

// LineSep is the line separator of the current platform.
func LineSep() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

// ErrorExit reports err on stderr (stdout carries the debug protocol), flushes the log and exits.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.Error(err, "Command failed", "exitCode", exitCode)
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v%s", err, LineSep())
	log.Flush()
	os.Exit(exitCode)
}
