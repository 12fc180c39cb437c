// Package testutil holds the t.Skipf guards shared by tests that need
// real hardware access (a /dev/kvm node, CAP_SYS_PTRACE, root) to run,
// the same pattern gokvm's kvm package uses in ioctl_test.go.
package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test unless it is running as root.
func RequireRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping: test requires root")
	}
}

// RequireKVM skips the test unless /dev/kvm is present and openable.
func RequireKVM(t *testing.T) *os.File {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	return f
}
