// Package stage2 implements the guest-side responsibilities spec.md
// §4.8 assigns to the second stage, running as its own statically
// linked binary (cmd/vmsh-stage2) once the injected stage1 payload has
// handed off: set up a private mount namespace, mount the vmsh block
// device, pivot_root into it, wire stdio to the vmsh console, and exec
// the target command. There is no close analogue for this in the
// example pack (gokvm never runs guest-side code of its own), so this
// is built directly against spec.md §4.8 using the generic Linux
// namespace syscalls golang.org/x/sys/unix exposes — the one ambient
// area where the pack offers nothing beyond the syscall layer itself.
package stage2

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
)

var log = logging.For("stage2")

const (
	consoleDevice = "/dev/hvc0"

	// statusOffset is where Run writes the target command's exit
	// status inside statusPage, the "pre-agreed page" spec.md §4.8
	// names for the host to detect completion.
	statusOffset = 0
)

// Config is everything Run needs to know, passed in rather than read
// from a global so main.go stays a thin wrapper.
type Config struct {
	// BlockDevice is the vmsh-injected block device's path inside the
	// guest (e.g. /dev/vmsh0).
	BlockDevice string
	// Mountpoint is the private directory Run mounts BlockDevice at
	// before pivot_root.
	Mountpoint string
	// Argv is the target command and its arguments, forwarded from
	// the host via stage1's Stage1Args.Argv.
	Argv []string
	// StatusPage is a byte slice backed by guest memory stage1 and the
	// host both know the address of; Run writes the exit status there
	// on completion.
	StatusPage []byte
}

// Run performs the full stage2 sequence: it runs the target command
// with the vmsh console as its stdin, stdout and stderr, waits for it,
// writes its exit status to StatusPage, and returns the command's error
// (nil when it exits 0), matching
// spec.md §4.8's "on target exit... write the exit status to a status
// byte".
func Run(cfg Config) error {
	if err := unshareMountNamespace(); err != nil {
		return err
	}

	if err := mountBlockDevice(cfg.BlockDevice, cfg.Mountpoint); err != nil {
		return err
	}

	if err := pivotInto(cfg.Mountpoint); err != nil {
		return err
	}

	console, err := os.OpenFile(consoleDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: opening vmsh console %s: %v", vmerr.ErrGuestFault, consoleDevice, err)
	}
	defer console.Close()

	if len(cfg.Argv) == 0 {
		return fmt.Errorf("%w: stage2 received an empty argv", vmerr.ErrInvariantViolated)
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Stdin = console
	cmd.Stdout = console
	cmd.Stderr = console

	runErr := cmd.Run()

	exitStatus := exitCodeOf(runErr)

	if err := cleanup(cfg.Mountpoint); err != nil {
		log.WithField("err", err).Warn("stage2: cleanup after target exit failed")
	}

	if len(cfg.StatusPage) > statusOffset {
		cfg.StatusPage[statusOffset] = byte(exitStatus)
	}

	return runErr
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}

	return 255
}

func mountBlockDevice(dev, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("%w: creating mountpoint %s: %v", vmerr.ErrGuestFault, mountpoint, err)
	}

	if err := unix.Mount(dev, mountpoint, "ext4", 0, ""); err != nil {
		return fmt.Errorf("%w: mounting %s at %s: %v", vmerr.ErrGuestFault, dev, mountpoint, err)
	}

	return nil
}

func cleanup(mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return fmt.Errorf("%w: unmounting %s: %v", vmerr.ErrGuestFault, mountpoint, err)
	}

	return nil
}
