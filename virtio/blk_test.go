package virtio

import (
	"bytes"
	"io"
	"testing"
)

// memBlockBackend is an in-memory BlockBackend for tests, standing in
// for FileBlockBackend without touching the filesystem.
type memBlockBackend struct {
	data   []byte
	synced int
}

func newMemBlockBackend(size int) *memBlockBackend {
	return &memBlockBackend{data: make([]byte, size)}
}

func (m *memBlockBackend) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(m.data) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])

	return n, nil
}

func (m *memBlockBackend) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)

	return n, nil
}

func (m *memBlockBackend) Sync() error { m.synced++; return nil }

func (m *memBlockBackend) Size() (int64, error) { return int64(len(m.data)), nil }

func TestBlkConfigSpaceReportsSectorCapacity(t *testing.T) {
	t.Parallel()

	backend := newMemBlockBackend(4096)
	blk := NewBlk(backend)

	cfg := blk.ConfigSpace()
	if len(cfg) != 8 {
		t.Fatalf("config space length = %d, want 8", len(cfg))
	}

	want := uint64(4096 / sectorSize)
	got := leUint64(cfg)

	if got != want {
		t.Fatalf("capacity = %d sectors, want %d", got, want)
	}
}

func TestBlkServiceChainReadRequest(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	backend := newMemBlockBackend(8192)
	copy(backend.data[sectorSize:sectorSize+5], []byte("hello"))

	blk := NewBlk(backend)

	// header at 0x4000 (type=IN, sector=1), data buffer at 0x4100,
	// status byte at 0x4200.
	hdr := make([]byte, 16)
	leCapacity(hdr[8:16], 1) // sector 1
	if err := mem.Write(0x4000, hdr); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 16, Flags: descFlagNext, Next: 1})
	writeDesc(t, mem, q.DescGPA+descSize, Desc{Addr: 0x4100, Len: 16, Flags: descFlagNext | descFlagWrite, Next: 2})
	writeDesc(t, mem, q.DescGPA+2*descSize, Desc{Addr: 0x4200, Len: 1, Flags: descFlagWrite})

	pushAvail(t, mem, q, 0)

	irq := &fakeIRQ{}

	if err := blk.OnQueueNotify(0, q, irq); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	if irq.n != 1 {
		t.Fatalf("irq injections = %d, want 1", irq.n)
	}

	got, err := mem.Read(0x4100, 5)
	if err != nil {
		t.Fatalf("reading result buffer: %v", err)
	}

	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("result = %q, want %q", got, "hello")
	}

	status, err := mem.Read(0x4200, 1)
	if err != nil {
		t.Fatalf("reading status byte: %v", err)
	}

	if status[0] != blkStatusOK {
		t.Fatalf("status = %d, want blkStatusOK", status[0])
	}
}

func TestBlkServiceChainWriteRequest(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	backend := newMemBlockBackend(8192)
	blk := NewBlk(backend)

	hdr := make([]byte, 16)
	hdr[0] = blkTypeOut
	if err := mem.Write(0x4000, hdr); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	if err := mem.Write(0x4100, []byte("world")); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 16, Flags: descFlagNext, Next: 1})
	writeDesc(t, mem, q.DescGPA+descSize, Desc{Addr: 0x4100, Len: 5, Flags: descFlagNext, Next: 2})
	writeDesc(t, mem, q.DescGPA+2*descSize, Desc{Addr: 0x4200, Len: 1, Flags: descFlagWrite})

	pushAvail(t, mem, q, 0)

	if err := blk.OnQueueNotify(0, q, &fakeIRQ{}); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	if !bytes.Equal(backend.data[:5], []byte("world")) {
		t.Fatalf("backend.data[:5] = %q, want %q", backend.data[:5], "world")
	}
}

func TestBlkRejectsReadOnlyStatusDescriptor(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	backend := newMemBlockBackend(8192)
	blk := NewBlk(backend)

	hdr := make([]byte, 16)
	if err := mem.Write(0x4000, hdr); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 16, Flags: descFlagNext, Next: 1})
	// status descriptor missing descFlagWrite.
	writeDesc(t, mem, q.DescGPA+descSize, Desc{Addr: 0x4200, Len: 1})

	pushAvail(t, mem, q, 0)

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail: ok=%v err=%v", ok, err)
	}

	if err := blk.serviceChain(q, head); err == nil {
		t.Fatal("expected serviceChain to reject a read-only status descriptor")
	}
}
