package hypervisor

import (
	"os"
	"testing"
)

func TestParseMapsLineSharedMemfd(t *testing.T) {
	t.Parallel()

	line := "7f1234560000-7f1234570000 rw-s 00000000 00:01 12345 /memfd:kvm_guest_ram (deleted)"

	m, ok := parseMapsLine(line)
	if !ok {
		t.Fatalf("parseMapsLine rejected a well-formed line: %q", line)
	}

	if m.start != 0x7f1234560000 || m.end != 0x7f1234570000 {
		t.Fatalf("parsed range = [%#x, %#x), want [%#x, %#x)", m.start, m.end, 0x7f1234560000, 0x7f1234570000)
	}

	if !isGuestRAMCandidate(m) {
		t.Fatal("a MAP_SHARED memfd mapping must be a guest-RAM candidate")
	}
}

func TestIsGuestRAMCandidateRejectsPrivateAndFileBacked(t *testing.T) {
	t.Parallel()

	privateAnon, ok := parseMapsLine("7f0000000000-7f0000010000 rw-p 00000000 00:00 0 ")
	if !ok {
		t.Fatal("parseMapsLine rejected a well-formed private anon line")
	}

	if isGuestRAMCandidate(privateAnon) {
		t.Fatal("a private anonymous mapping must not be a guest-RAM candidate")
	}

	sharedLib, ok := parseMapsLine("7f0000020000-7f0000030000 r-xs 00000000 08:01 999 /usr/lib/libc.so.6")
	if !ok {
		t.Fatal("parseMapsLine rejected a well-formed shared-library line")
	}

	if isGuestRAMCandidate(sharedLib) {
		t.Fatal("a shared mapping of an ordinary file must not be a guest-RAM candidate")
	}
}

func TestParseMapsLineRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"not-a-maps-line",
		"7f00-badrange rw-s 0 00:00 0",
	} {
		if _, ok := parseMapsLine(line); ok {
			t.Fatalf("parseMapsLine accepted malformed input %q", line)
		}
	}
}

func TestDiscoverMemslotsRejectsMissingPid(t *testing.T) {
	t.Parallel()

	if _, err := DiscoverMemslots(1 << 30); err == nil {
		t.Fatal("DiscoverMemslots on a nonexistent pid: expected error, got nil")
	}
}

func TestDiscoverMemslotsRejectsNonHypervisor(t *testing.T) {
	t.Parallel()

	// vmsh's own test process never maps a MAP_SHARED memfd as guest
	// RAM, so it must be rejected rather than produce a bogus slot.
	if _, err := DiscoverMemslots(os.Getpid()); err == nil {
		t.Fatal("DiscoverMemslots on a non-hypervisor pid: expected error, got nil")
	}
}
