package virtio

import (
	"testing"

	"github.com/Mic92/vmsh/guestmem"
	"golang.org/x/sys/unix"
)

const testQueueSize = 4

// newTestQueue lays out a fixed-layout queue inside a single memfd-backed
// guestmem.Map slot: desc table at 0x1000, avail ring at 0x2000, used
// ring at 0x3000, data buffers starting at 0x4000.
func newTestQueue(t *testing.T) (*guestmem.Map, *Queue) {
	t.Helper()

	fd, err := unix.MemfdCreate("virtio-queue-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}

	const size = 0x10000
	if err := unix.Ftruncate(fd, size); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}

	t.Cleanup(func() { unix.Close(fd) })

	mem := guestmem.NewMap()

	slot, err := mem.MapSlot(0, size, fd, 0, false)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}

	t.Cleanup(func() { mem.Unmap(slot) })

	q, err := NewQueue(mem, testQueueSize, 0x1000, 0x2000, 0x3000)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	return mem, q
}

func writeDesc(t *testing.T, mem *guestmem.Map, gpa uint64, d Desc) {
	t.Helper()

	if err := mem.WriteUint64(gpa, d.Addr); err != nil {
		t.Fatalf("WriteUint64 desc addr: %v", err)
	}

	if err := mem.WriteUint32(gpa+8, d.Len); err != nil {
		t.Fatalf("WriteUint32 desc len: %v", err)
	}

	if err := mem.WriteUint16(gpa+12, d.Flags); err != nil {
		t.Fatalf("WriteUint16 desc flags: %v", err)
	}

	if err := mem.WriteUint16(gpa+14, d.Next); err != nil {
		t.Fatalf("WriteUint16 desc next: %v", err)
	}
}

func pushAvail(t *testing.T, mem *guestmem.Map, q *Queue, head uint16) {
	t.Helper()

	idx, err := mem.ReadUint16(q.AvailGPA + 2)
	if err != nil {
		t.Fatalf("ReadUint16 avail idx: %v", err)
	}

	ringOff := q.AvailGPA + 4 + uint64(idx%testQueueSize)*2
	if err := mem.WriteUint16(ringOff, head); err != nil {
		t.Fatalf("WriteUint16 avail ring: %v", err)
	}

	if err := mem.WriteUint16(q.AvailGPA+2, idx+1); err != nil {
		t.Fatalf("WriteUint16 avail idx: %v", err)
	}
}

func TestQueuePopAvailAndReadChain(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 16, Flags: descFlagNext, Next: 1})
	writeDesc(t, mem, q.DescGPA+descSize, Desc{Addr: 0x4100, Len: 1, Flags: descFlagWrite})

	pushAvail(t, mem, q, 0)

	head, ok, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}

	if !ok {
		t.Fatal("PopAvail: expected a ready chain")
	}

	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}

	chain, err := q.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}

	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}

	if chain[1].Addr != 0x4100 || chain[1].Flags&descFlagWrite == 0 {
		t.Fatalf("chain[1] = %+v, want writable descriptor at 0x4100", chain[1])
	}

	if _, ok2, err := q.PopAvail(); err != nil || ok2 {
		t.Fatalf("PopAvail after draining: ok=%v err=%v, want no more chains", ok2, err)
	}
}

func TestQueueReadChainDetectsCycle(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	// Two descriptors pointing at each other forever.
	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 1, Flags: descFlagNext, Next: 1})
	writeDesc(t, mem, q.DescGPA+descSize, Desc{Addr: 0x4100, Len: 1, Flags: descFlagNext, Next: 0})

	if _, err := q.ReadChain(0); err == nil {
		t.Fatal("expected ReadChain to fail on a cyclic chain")
	}
}

func TestQueuePushUsedAdvancesIdx(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	before, err := q.UsedIdx()
	if err != nil {
		t.Fatalf("UsedIdx: %v", err)
	}

	if err := q.PushUsed(3, 42); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}

	after, err := q.UsedIdx()
	if err != nil {
		t.Fatalf("UsedIdx: %v", err)
	}

	if after != before+1 {
		t.Fatalf("UsedIdx after PushUsed = %d, want %d", after, before+1)
	}

	id, err := mem.ReadUint32(q.UsedGPA + 4)
	if err != nil {
		t.Fatalf("ReadUint32 used entry id: %v", err)
	}

	if id != 3 {
		t.Fatalf("used entry id = %d, want 3", id)
	}
}

func TestNewQueueRejectsBadSize(t *testing.T) {
	t.Parallel()

	mem, _ := newTestQueue(t)

	if _, err := NewQueue(mem, 3, 0x1000, 0x2000, 0x3000); err == nil {
		t.Fatal("expected NewQueue to reject a non-power-of-two size")
	}
}
