// Package main is the vmsh CLI: `vmsh attach|inspect|coredump`, built
// with cobra the way the rest of the pack's multi-subcommand tools do
// it, in place of gokvm's own hand-rolled flag package (which only
// ever needed one command's worth of flags).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mic92/vmsh/internal/exitcode"
	"github.com/Mic92/vmsh/internal/logging"
)

var logFilter string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vmsh",
		Short:         "Attach virtio devices and a shell into a running KVM guest without its cooperation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFilter != "" {
				if err := logging.Configure(logFilter); err != nil {
					return err
				}
			}

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&logFilter, "log", "l", "", "component=level,... log filter, e.g. tracer=debug,mmio=info")

	root.AddCommand(newAttachCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newCoredumpCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vmsh:", err)
		os.Exit(exitcode.FromError(err))
	}
}
