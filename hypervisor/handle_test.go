package hypervisor_test

import (
	"os"
	"testing"

	"github.com/Mic92/vmsh/hypervisor"
)

func TestDiscoverRejectsNonHypervisor(t *testing.T) {
	t.Parallel()

	// vmsh's own test process never holds a kvm-vm fd, so Discover
	// against it must fail with ErrTargetIncompatible rather than
	// panicking or silently returning zero vcpus.
	_, err := hypervisor.Discover(os.Getpid())
	if err == nil {
		t.Fatal("Discover on a non-hypervisor pid: expected error, got nil")
	}
}

func TestDiscoverRejectsMissingPid(t *testing.T) {
	t.Parallel()

	_, err := hypervisor.Discover(1 << 30)
	if err == nil {
		t.Fatal("Discover on a nonexistent pid: expected error, got nil")
	}
}

func TestIIORIIOWDistinctDirections(t *testing.T) {
	t.Parallel()

	r := hypervisor.IIOR(0x81, 144)
	w := hypervisor.IIOW(0x82, 144)

	if r == w {
		t.Fatalf("IIOR and IIOW produced the same request code: %#x", r)
	}

	if r == hypervisor.IIO(0x81) {
		t.Fatalf("IIOR collided with direction-less IIO for the same nr")
	}
}
