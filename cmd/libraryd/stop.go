package main

import (
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running libraryd daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pidPath := flagPIDFile
			if pidPath == "" {
				pidPath = defaultPIDPath(cc.Cfg.Library.Path)
			}

			return sendShutdownSignal(pidPath)
		},
	}
}
