package guestmem

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func anonFd(t *testing.T, size int) int {
	t.Helper()

	fd, err := unix.MemfdCreate("guestmem-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		t.Fatalf("ftruncate: %v", err)
	}

	t.Cleanup(func() { unix.Close(fd) })

	return fd
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	fd := anonFd(t, 4096)
	m := NewMap()

	slot, err := m.MapSlot(0x1000, 4096, fd, 0, false)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}
	defer m.Unmap(slot)

	if err := m.Write(0x1000, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := m.Read(0x1000, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadOutsideAnySlotFails(t *testing.T) {
	t.Parallel()

	m := NewMap()

	if _, err := m.Read(0xdeadbeef, 4); err == nil {
		t.Fatal("expected BadAddress-style error reading an unmapped gpa")
	}
}

func TestWriteToReadonlySlotFails(t *testing.T) {
	t.Parallel()

	fd := anonFd(t, 4096)
	m := NewMap()

	slot, err := m.MapSlot(0x2000, 4096, fd, 0, true)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}
	defer m.Unmap(slot)

	if err := m.Write(0x2000, []byte("x")); err == nil {
		t.Fatal("expected write to a read-only slot to fail")
	}
}

func TestOverlappingSlotsRejected(t *testing.T) {
	t.Parallel()

	fd1 := anonFd(t, 8192)
	fd2 := anonFd(t, 8192)
	m := NewMap()

	slot, err := m.MapSlot(0x3000, 8192, fd1, 0, false)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}
	defer m.Unmap(slot)

	if _, err := m.MapSlot(0x3000+4096, 8192, fd2, 0, false); err == nil {
		t.Fatal("expected overlapping slot registration to fail")
	}
}

func TestUint32RoundTrip(t *testing.T) {
	t.Parallel()

	fd := anonFd(t, 4096)
	m := NewMap()

	slot, err := m.MapSlot(0x4000, 4096, fd, 0, false)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}
	defer m.Unmap(slot)

	if err := m.WriteUint32(0x4000, 0xcafef00d); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}

	got, err := m.ReadUint32(0x4000)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}

	if got != 0xcafef00d {
		t.Fatalf("got %#x, want 0xcafef00d", got)
	}
}
