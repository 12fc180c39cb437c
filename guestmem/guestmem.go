// Package guestmem presents guest physical memory as a set of
// Read/Write accessors over the host mappings hypervisor.Handle
// discovers, the same role gokvm's memory.Memory/AddressSpace play
// for memory gokvm owns outright — generalized here from "one
// anonymous mmap vmsh allocates itself" to "one independent mmap per
// MemSlot the target already owns", opened against the target's own
// backing memfd rather than freshly allocated.
package guestmem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
)

var log = logging.For("guestmem")

// Slot is one mmap'd window of guest-physical memory, backed by the
// same host pages as the target's own KVM memslot.
type Slot struct {
	GPA      uint64
	Size     uint64
	readonly bool
	buf      []byte
}

func (s *Slot) contains(gpa uint64, length int) bool {
	if gpa < s.GPA {
		return false
	}

	end := gpa - s.GPA + uint64(length)

	return end <= s.Size
}

// Map is the ordered set of (gpa range -> host mapping in vmsh)
// spec.md §3 calls GuestMemMap. All reads and writes go through one
// of its accessor methods; there is no way to obtain the underlying
// byte slice directly, so every access is funneled through bounds
// checking against the registered slots.
type Map struct {
	mu    sync.RWMutex
	slots []*Slot
}

// NewMap returns an empty guest memory map.
func NewMap() *Map {
	return &Map{}
}

// MapSlot opens an independent mmap of fd at offset, sized length,
// and records it as covering guest-physical addresses
// [gpa, gpa+length). fd is expected to be a vmsh-local handle on the
// target's memslot-backing object (see hypervisor.DiscoverMemslots).
func (m *Map) MapSlot(gpa uint64, length int, fd int, offset int64, readonly bool) (*Slot, error) {
	prot := syscall.PROT_READ
	if !readonly {
		prot |= syscall.PROT_WRITE
	}

	buf, err := syscall.Mmap(fd, offset, length, prot, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap guest slot at gpa %#x: %v", vmerr.ErrBackendIo, gpa, err)
	}

	slot := &Slot{GPA: gpa, Size: uint64(length), readonly: readonly, buf: buf}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.slots {
		if overlaps(existing, slot) {
			_ = syscall.Munmap(buf)

			return nil, fmt.Errorf("%w: slot at %#x overlaps existing slot at %#x",
				vmerr.ErrInvariantViolated, gpa, existing.GPA)
		}
	}

	m.slots = append(m.slots, slot)

	log.WithField("gpa", fmt.Sprintf("%#x", gpa)).WithField("size", length).Debug("mapped guest memory slot")

	return slot, nil
}

func overlaps(a, b *Slot) bool {
	return a.GPA < b.GPA+b.Size && b.GPA < a.GPA+a.Size
}

// Unmap releases a previously mapped slot. Safe to call during
// detach; it is an error to Read/Write through slot afterward.
func (m *Map) Unmap(slot *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.slots {
		if s == slot {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)

			if err := syscall.Munmap(slot.buf); err != nil {
				return fmt.Errorf("%w: munmap slot at %#x: %v", vmerr.ErrBackendIo, slot.GPA, err)
			}

			return nil
		}
	}

	return fmt.Errorf("%w: slot at %#x not in this map", vmerr.ErrInvariantViolated, slot.GPA)
}

func (m *Map) findSlot(gpa uint64, length int) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.slots {
		if s.contains(gpa, length) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: gpa %#x length %d is not inside any mapped slot", vmerr.ErrInvariantViolated, gpa, length)
}

// Read copies length bytes starting at guest-physical address gpa.
func (m *Map) Read(gpa uint64, length int) ([]byte, error) {
	slot, err := m.findSlot(gpa, length)
	if err != nil {
		return nil, err
	}

	off := gpa - slot.GPA
	out := make([]byte, length)
	copy(out, slot.buf[off:off+uint64(length)])

	return out, nil
}

// Write copies data into guest-physical memory starting at gpa.
func (m *Map) Write(gpa uint64, data []byte) error {
	slot, err := m.findSlot(gpa, len(data))
	if err != nil {
		return err
	}

	if slot.readonly {
		return fmt.Errorf("%w: write to read-only slot at %#x", vmerr.ErrInvariantViolated, slot.GPA)
	}

	off := gpa - slot.GPA
	copy(slot.buf[off:], data)

	return nil
}

// ReadUint16 reads a little-endian 16-bit word at gpa.
func (m *Map) ReadUint16(gpa uint64) (uint16, error) {
	slot, err := m.findSlot(gpa, 2)
	if err != nil {
		return 0, err
	}

	off := gpa - slot.GPA

	return binary.LittleEndian.Uint16(slot.buf[off : off+2]), nil
}

// WriteUint16 writes a little-endian 16-bit word at gpa.
func (m *Map) WriteUint16(gpa uint64, v uint16) error {
	slot, err := m.findSlot(gpa, 2)
	if err != nil {
		return err
	}

	if slot.readonly {
		return fmt.Errorf("%w: write to read-only slot at %#x", vmerr.ErrInvariantViolated, slot.GPA)
	}

	off := gpa - slot.GPA
	binary.LittleEndian.PutUint16(slot.buf[off:off+2], v)

	return nil
}

// ReadUint32 volatile-loads a little-endian 32-bit word at gpa, using
// atomic.LoadUint32 so concurrent guest writes to the same virtq index
// the Device Host is polling are never torn or reordered away, the
// volatility spec.md §4.4 requires.
func (m *Map) ReadUint32(gpa uint64) (uint32, error) {
	slot, err := m.findSlot(gpa, 4)
	if err != nil {
		return 0, err
	}

	off := gpa - slot.GPA

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&slot.buf[off]))), nil
}

// WriteUint32 volatile-stores a little-endian 32-bit word at gpa.
func (m *Map) WriteUint32(gpa uint64, v uint32) error {
	slot, err := m.findSlot(gpa, 4)
	if err != nil {
		return err
	}

	if slot.readonly {
		return fmt.Errorf("%w: write to read-only slot at %#x", vmerr.ErrInvariantViolated, slot.GPA)
	}

	off := gpa - slot.GPA
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&slot.buf[off])), v)

	return nil
}

// ReadUint64 volatile-loads a little-endian 64-bit word at gpa.
func (m *Map) ReadUint64(gpa uint64) (uint64, error) {
	slot, err := m.findSlot(gpa, 8)
	if err != nil {
		return 0, err
	}

	off := gpa - slot.GPA

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&slot.buf[off]))), nil
}

// WriteUint64 volatile-stores a little-endian 64-bit word at gpa.
func (m *Map) WriteUint64(gpa uint64, v uint64) error {
	slot, err := m.findSlot(gpa, 8)
	if err != nil {
		return err
	}

	if slot.readonly {
		return fmt.Errorf("%w: write to read-only slot at %#x", vmerr.ErrInvariantViolated, slot.GPA)
	}

	off := gpa - slot.GPA
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&slot.buf[off])), v)

	return nil
}

// Slots returns the currently mapped slots, for invariant checks
// (e.g. verifying a VirtQueue lies wholly inside one of them).
func (m *Map) Slots() []*Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Slot, len(m.slots))
	copy(out, m.slots)

	return out
}
