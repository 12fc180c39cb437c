// Command vmsh-stage2 is the minimal PID-1-like binary stage1 execs
// once it has returned the vCPU to the guest kernel's own scheduler.
// It mounts the injected block device, pivots into it, and execs the
// command whose argv stage1 forwarded, proxying its stdio to the
// virtio console. See stage2.Run for the guest-side sequence this
// wraps; this file only resolves the fixed conventions stage1 and
// stage2 agree on (device path, mountpoint, status page address) from
// the environment stage1 sets up before exec.
package main

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/stage2"
)

const (
	envBlockDevice = "VMSH_BLOCK_DEVICE"
	envMountpoint  = "VMSH_MOUNTPOINT"
	envStatusAddr  = "VMSH_STATUS_ADDR"

	defaultBlockDevice = "/dev/vmsh0"
	defaultMountpoint  = "/.vmsh-root"

	statusPageLen = 4096
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "vmsh-stage2: missing target command")
		os.Exit(1)
	}

	statusPage, closeStatusPage, err := mapStatusPage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmsh-stage2: %v\n", err)
		os.Exit(1)
	}

	if closeStatusPage != nil {
		defer closeStatusPage()
	}

	cfg := stage2.Config{
		BlockDevice: envOr(envBlockDevice, defaultBlockDevice),
		Mountpoint:  envOr(envMountpoint, defaultMountpoint),
		Argv:        os.Args[1:],
		StatusPage:  statusPage,
	}

	if err := stage2.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vmsh-stage2: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

// mapStatusPage maps the page the host agreed with stage1 to watch for
// completion, via /dev/mem at the physical address VMSH_STATUS_ADDR
// names. If unset, Run still runs but has nowhere to report its exit
// status.
func mapStatusPage() ([]byte, func(), error) {
	raw := os.Getenv(envStatusAddr)
	if raw == "" {
		return nil, nil, nil
	}

	addr, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s=%q: %w", envStatusAddr, raw, err)
	}

	f, err := os.OpenFile("/dev/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening /dev/mem: %w", err)
	}

	page, err := unix.Mmap(int(f.Fd()), int64(addr), statusPageLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, nil, fmt.Errorf("mmap status page at %#x: %w", addr, err)
	}

	cleanup := func() {
		unix.Munmap(page)
		f.Close()
	}

	return page, cleanup, nil
}
