// Package virtio implements a virtio-MMIO v1.0 transport and the
// block/console device backends vmsh injects into a guest. It plays the
// role gokvm's virtio package does, generalized from "queues sit in
// memory vmsh owns as a flat []byte" to "queues sit in guest-physical
// memory reached through guestmem.Map", since vmsh never owns guest
// memory outright.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/Mic92/vmsh/guestmem"
	"github.com/Mic92/vmsh/internal/vmerr"
)

func leUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

const (
	descFlagNext     = 1
	descFlagWrite    = 2
	descFlagIndirect = 4

	descSize = 16 // addr u64, len u32, flags u16, next u16
)

// Desc is one split-virtqueue descriptor, spec.md §3's DescChain link.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func readDesc(mem *guestmem.Map, gpa uint64) (Desc, error) {
	buf, err := mem.Read(gpa, descSize)
	if err != nil {
		return Desc{}, fmt.Errorf("reading descriptor at %#x: %w", gpa, err)
	}

	return Desc{
		Addr:  leUint64(buf[0:8]),
		Len:   leUint32(buf[8:12]),
		Flags: leUint16(buf[12:14]),
		Next:  leUint16(buf[14:16]),
	}, nil
}

// Queue is one split virtqueue, spec.md §3's VirtQueue: the descriptor
// table, available ring and used ring live in guest memory at the GPAs
// the driver wrote during queue activation; Queue only remembers where
// they are and its own last_avail_idx cursor.
type Queue struct {
	Size     uint32
	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64

	lastAvailIdx uint16
	mem          *guestmem.Map
}

// NewQueue validates the GPAs the driver supplied during queue
// activation lie within guest memory, per spec.md §4.6's "validates the
// desc/avail/used GPAs lie within guest memory".
func NewQueue(mem *guestmem.Map, size uint32, descGPA, availGPA, usedGPA uint64) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 || size > 32768 {
		return nil, fmt.Errorf("%w: queue size %d is not a power of two <= 32768", vmerr.ErrInvariantViolated, size)
	}

	descBytes := int(size) * descSize
	availBytes := 4 + int(size)*2 + 2
	usedBytes := 4 + int(size)*8 + 2

	for _, rng := range []struct {
		gpa uint64
		len int
	}{{descGPA, descBytes}, {availGPA, availBytes}, {usedGPA, usedBytes}} {
		if _, err := mem.Read(rng.gpa, 1); err != nil {
			return nil, fmt.Errorf("%w: queue range at %#x is not backed by guest memory: %v", vmerr.ErrInvariantViolated, rng.gpa, err)
		}

		if _, err := mem.Read(rng.gpa+uint64(rng.len)-1, 1); err != nil {
			return nil, fmt.Errorf("%w: queue range [%#x, %#x) is not wholly backed by guest memory: %v",
				vmerr.ErrInvariantViolated, rng.gpa, rng.gpa+uint64(rng.len), err)
		}
	}

	return &Queue{Size: size, DescGPA: descGPA, AvailGPA: availGPA, UsedGPA: usedGPA, mem: mem}, nil
}

// AvailIdx volatile-reads the avail ring's idx field.
func (q *Queue) AvailIdx() (uint16, error) {
	return q.mem.ReadUint16(q.AvailGPA + 2)
}

func (q *Queue) availRingEntry(pos uint16) (uint16, error) {
	off := q.AvailGPA + 4 + uint64(pos%uint16(q.Size))*2

	return q.mem.ReadUint16(off)
}

// UsedIdx volatile-reads the used ring's idx field.
func (q *Queue) UsedIdx() (uint16, error) {
	return q.mem.ReadUint16(q.UsedGPA + 2)
}

// setUsedIdx writes the used ring's idx field with release ordering, per
// spec.md §4.6's "write used.idx with release ordering": the flags and
// idx halfwords share one 32-bit word, so this goes through
// guestmem.WriteUint32 (an atomic store) instead of the plain
// WriteUint16 used elsewhere for fields only vmsh itself reads back.
func (q *Queue) setUsedIdx(v uint16) error {
	flags, err := q.mem.ReadUint16(q.UsedGPA)
	if err != nil {
		return err
	}

	return q.mem.WriteUint32(q.UsedGPA, uint32(flags)|uint32(v)<<16)
}

func (q *Queue) writeUsedEntry(pos uint16, id uint32, length uint32) error {
	off := q.UsedGPA + 4 + uint64(pos%uint16(q.Size))*8
	if err := q.mem.WriteUint32(off, id); err != nil {
		return err
	}

	return q.mem.WriteUint32(off+4, length)
}

// PopAvail reports whether a new available head is ready and, if so,
// advances the queue's cursor and returns the descriptor chain's head
// index.
func (q *Queue) PopAvail() (uint16, bool, error) {
	idx, err := q.AvailIdx()
	if err != nil {
		return 0, false, err
	}

	if q.lastAvailIdx == idx {
		return 0, false, nil
	}

	head, err := q.availRingEntry(q.lastAvailIdx)
	if err != nil {
		return 0, false, err
	}

	q.lastAvailIdx++

	return head, true, nil
}

// ReadChain walks the descriptor chain starting at head, following one
// level of VIRTQ_DESC_F_INDIRECT and failing with ErrInvariantViolated
// if more than Size descriptors are visited, per spec.md §4.6's cycle
// detection requirement.
func (q *Queue) ReadChain(head uint16) ([]Desc, error) {
	var chain []Desc

	base := q.DescGPA
	idx := head
	indirect := false

	for i := uint32(0); i < q.Size+1; i++ {
		desc, err := readDesc(q.mem, base+uint64(idx)*descSize)
		if err != nil {
			return nil, err
		}

		if desc.Flags&descFlagIndirect != 0 {
			if indirect {
				return nil, fmt.Errorf("%w: nested indirect descriptor in chain", vmerr.ErrInvariantViolated)
			}

			indirect = true
			base = desc.Addr
			idx = 0

			continue
		}

		chain = append(chain, desc)

		if desc.Flags&descFlagNext == 0 {
			return chain, nil
		}

		idx = desc.Next
	}

	return nil, fmt.Errorf("%w: descriptor chain exceeds queue size %d, likely a cycle", vmerr.ErrInvariantViolated, q.Size)
}

// PushUsed appends (head, writtenLen) to the used ring and publishes
// the new idx immediately, making the chain visible to the guest as
// soon as this call returns.
func (q *Queue) PushUsed(head uint16, writtenLen uint32) error {
	idx, err := q.UsedIdx()
	if err != nil {
		return err
	}

	if err := q.writeUsedEntry(idx, uint32(head), writtenLen); err != nil {
		return err
	}

	return q.setUsedIdx(idx + 1)
}
