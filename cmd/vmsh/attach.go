package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/Mic92/vmsh"
)

type ptyConsole struct {
	master *os.File
}

func (c *ptyConsole) Read(p []byte) (int, error)  { return c.master.Read(p) }
func (c *ptyConsole) Write(p []byte) (int, error) { return c.master.Write(p) }

func newAttachCmd() *cobra.Command {
	var (
		backingFile string
		ptsPath     string
		sshArgs     string
		mmioBackend string
	)

	cmd := &cobra.Command{
		Use:   "attach <pid> -- <argv...>",
		Short: "Attach a block device and run a command inside a running guest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}

			argv := args[1:]
			if len(argv) == 0 {
				return fmt.Errorf("attach requires a target command after --")
			}

			master, slave, err := pty.Open()
			if err != nil {
				return fmt.Errorf("opening console pty: %w", err)
			}

			defer master.Close()
			defer slave.Close()

			if ptsPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "vmsh: console attached, connect with: cat %s\n", slave.Name())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "vmsh: console pty is %s\n", slave.Name())
			}

			if sshArgs != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "vmsh: or remotely: ssh %s cat %s\n", sshArgs, slave.Name())
			}

			cfg := vmsh.AttachConfig{
				PID:         pid,
				BackingFile: backingFile,
				Argv:        argv,
				MmioBackend: vmsh.MmioBackendKind(mmioBackend),
				Console:     &ptyConsole{master: master},
				Stage2Path:  "/sbin/vmsh-stage2",
			}

			stage1Blob, err := os.ReadFile(os.Getenv("VMSH_STAGE1_BLOB"))
			if err != nil {
				return fmt.Errorf("reading stage1 blob (set VMSH_STAGE1_BLOB): %w", err)
			}

			cfg.Stage1Blob = stage1Blob

			sup := vmsh.NewSupervisor()

			sess, err := sup.Attach(cfg)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			return sess.Detach()
		},
	}

	cmd.Flags().StringVarP(&backingFile, "backing-file", "f", "", "host file backing the injected block device")
	cmd.Flags().StringVar(&ptsPath, "pts", "", "print a helper command to connect a terminal to the guest console")
	cmd.Flags().StringVar(&sshArgs, "ssh-args", "", "extra arguments for connecting to the console over ssh")
	cmd.Flags().StringVar(&mmioBackend, "mmio", "", "wrap_syscall or ioregionfd (default: probe and pick the best available)")

	return cmd
}
