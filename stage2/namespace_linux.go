package stage2

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// unshareMountNamespace detaches this process into its own mount and
// PID namespace, per spec.md §4.8, and marks the root private first so
// the pivot_root below cannot leak back into whatever namespace the
// guest init left behind. CLONE_NEWPID only takes effect for children
// forked after this call returns; Run's target process inherits it
// naturally since it is started afterward.
func unshareMountNamespace() error {
	if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_NEWPID); err != nil {
		return fmt.Errorf("%w: unshare(CLONE_NEWNS|CLONE_NEWPID): %v", vmerr.ErrGuestFault, err)
	}

	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("%w: marking / private: %v", vmerr.ErrGuestFault, err)
	}

	return nil
}

// pivotInto makes newRoot the process root via pivot_root, stashing
// the old root under newRoot/.oldroot and unmounting it immediately,
// per spec.md §4.8's "without perturbing the original guest rootfs" —
// the old tree is detached, not merely shadowed.
func pivotInto(newRoot string) error {
	oldRoot := newRoot + "/.oldroot"
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("%w: creating pivot_root staging dir: %v", vmerr.ErrGuestFault, err)
	}

	if err := unix.PivotRoot(newRoot, oldRoot); err != nil {
		return fmt.Errorf("%w: pivot_root(%s, %s): %v", vmerr.ErrGuestFault, newRoot, oldRoot, err)
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir(/) after pivot_root: %v", vmerr.ErrGuestFault, err)
	}

	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("%w: detaching old root: %v", vmerr.ErrGuestFault, err)
	}

	if err := os.Remove("/.oldroot"); err != nil {
		// Not fatal: the mountpoint is already detached, an empty dir
		// left behind does not affect the target command.
		log.WithField("err", err).Debug("stage2: removing old root mountpoint failed")
	}

	return nil
}
