/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dapclient/pkg/logger"
)

func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dapctl",
		Short: "Drives a debug session against any Debug Adapter Protocol adapter",
		Long: `dapctl is a terminal client for the Debug Adapter Protocol.

	It starts (or connects to) a debug adapter, launches or attaches to the debuggee,
	and lets you control execution and inspect program state from the command line.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting dapctl..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	if cmd, err := NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewRunCommand(log.Logger))

	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd, nil
}
