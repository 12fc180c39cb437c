// Package inspect implements `vmsh inspect <pid>`: a read-only survey
// of a target process's KVM resources and whether a vmsh session is
// attached to it right now (a past session leaves nothing it reports).
// Grounded on
// hypervisor.Discover's /proc/<pid>/fd classification, reused here for
// a purely informational purpose instead of as the first step of an
// attach.
package inspect

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/Mic92/vmsh/hypervisor"
)

// Report summarizes what inspect found for one pid.
type Report struct {
	PID int

	// IsHypervisor is true if the target holds open fds shaped like a
	// KVM hypervisor (a kvm-vm anon_inode plus at least one
	// kvm-vcpu:N anon_inode).
	IsHypervisor bool

	KvmFd     int
	VmFd      int
	VcpuCount int

	// Attached is true if a vmsh session currently holds the advisory
	// lock spec.md §8 Invariant 4 requires, i.e. some other process
	// has the target attached right now.
	Attached bool
}

// Run produces a Report for pid without mutating any target state:
// Discover only reads /proc/<pid>/fd, and the lock probe is a
// non-blocking try-then-release.
func Run(pid int) (*Report, error) {
	report := &Report{PID: pid}

	fds, err := hypervisor.Discover(pid)
	if err == nil {
		report.IsHypervisor = true
		report.KvmFd = fds.KvmFd
		report.VmFd = fds.VmFd
		report.VcpuCount = len(fds.VcpuFds)
	}

	attached, lockErr := probeLock(pid)
	if lockErr != nil {
		return report, lockErr
	}

	report.Attached = attached

	return report, nil
}

// probeLock reports whether another process currently holds pid's
// advisory attach lock, without disturbing that lock if so.
func probeLock(pid int) (bool, error) {
	path := fmt.Sprintf("/tmp/vmsh-%d.lock", pid)

	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probing attach lock %s: %w", path, err)
	}

	if locked {
		defer lock.Unlock()

		return false, nil
	}

	return true, nil
}

// String renders the report the way `vmsh inspect` prints it.
func (r *Report) String() string {
	if !r.IsHypervisor {
		return fmt.Sprintf("pid %d: not a KVM hypervisor (no kvm-vm fd found)", r.PID)
	}

	status := "not attached"
	if r.Attached {
		status = "attached"
	}

	return fmt.Sprintf("pid %d: kvm_fd=%d vm_fd=%d vcpus=%d session=%s",
		r.PID, r.KvmFd, r.VmFd, r.VcpuCount, status)
}
