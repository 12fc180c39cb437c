package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Mic92/vmsh/coredump"
)

func newCoredumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coredump <pid>",
		Short: "Print a vCPU register snapshot of a running guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}

			dump, err := coredump.Run(pid)
			if err != nil {
				return err
			}

			_, err = dump.WriteTo(cmd.OutOrStdout())

			return err
		},
	}
}
