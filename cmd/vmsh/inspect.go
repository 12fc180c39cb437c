package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Mic92/vmsh/inspect"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pid>",
		Short: "Report a process's KVM resources and attach status, without attaching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}

			report, err := inspect.Run(pid)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), report.String())

			return nil
		},
	}
}
