package eventloop

import (
	"testing"
	"time"

	"github.com/Mic92/vmsh/guestmem"
	"github.com/Mic92/vmsh/mmiotrap"
	"github.com/Mic92/vmsh/virtio"
	"golang.org/x/sys/unix"
)

const (
	regStatus      = 0x070
	regQueueNotify = 0x050
)

type fakeDevice struct {
	statusWrites []uint64
}

func (f *fakeDevice) DeviceID() uint32        { return 2 }
func (f *fakeDevice) OfferedFeatures() uint64 { return 0 }
func (f *fakeDevice) NumQueues() int          { return 1 }
func (f *fakeDevice) ConfigSpace() []byte     { return make([]byte, 8) }

func (f *fakeDevice) OnQueueNotify(qidx int, q *virtio.Queue, irq virtio.IRQInjector) error {
	return nil
}

func newTestMem(t *testing.T) *guestmem.Map {
	t.Helper()

	fd, err := unix.MemfdCreate("eventloop-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}

	if err := unix.Ftruncate(fd, 0x10000); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}

	t.Cleanup(func() { unix.Close(fd) })

	mem := guestmem.NewMap()

	slot, err := mem.MapSlot(0, 0x10000, fd, 0, false)
	if err != nil {
		t.Fatalf("MapSlot: %v", err)
	}

	t.Cleanup(func() { mem.Unmap(slot) })

	return mem
}

func TestLoopDispatchesWriteEventToDevice(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)
	backend := &fakeDevice{}
	dev := virtio.NewMmioDevice(mem, backend, nil)

	loop := NewLoop()

	events := make(chan mmiotrap.MmioEvent, 1)
	loop.AddDevice(mmiotrap.Range{Base: 0xd0000000, Length: 0x1000}, dev, events)

	runDone := make(chan error, 1)

	go func() { runDone <- loop.Run() }()

	events <- mmiotrap.MmioEvent{
		GPA:       0xd0000000 + regStatus,
		Offset:    regStatus,
		Len:       4,
		Direction: mmiotrap.DirWrite,
		Value:     1, // StatusAcknowledge
	}

	// Give the loop a moment to drain the event before shutting down.
	time.Sleep(10 * time.Millisecond)

	loop.Shutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if dev.State() != virtio.StateAck {
		t.Fatalf("device state = %v, want StateAck", dev.State())
	}
}

func TestLoopKeepsRunningAfterInvariantViolation(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)

	corrupted := virtio.NewMmioDevice(mem, &fakeDevice{}, nil)
	healthy := virtio.NewMmioDevice(mem, &fakeDevice{}, nil)

	loop := NewLoop()

	corruptedEvents := make(chan mmiotrap.MmioEvent, 1)
	loop.AddDevice(mmiotrap.Range{Base: 0xd0000000, Length: 0x1000}, corrupted, corruptedEvents)

	healthyEvents := make(chan mmiotrap.MmioEvent, 1)
	loop.AddDevice(mmiotrap.Range{Base: 0xd0001000, Length: 0x1000}, healthy, healthyEvents)

	runDone := make(chan error, 1)

	go func() { runDone <- loop.Run() }()

	// QueueNotify for a queue that was never activated: notify()
	// returns ErrInvariantViolated and marks the device FAILED.
	corruptedEvents <- mmiotrap.MmioEvent{
		GPA:       0xd0000000 + regQueueNotify,
		Offset:    regQueueNotify,
		Len:       4,
		Direction: mmiotrap.DirWrite,
		Value:     0,
	}

	time.Sleep(10 * time.Millisecond)

	healthyEvents <- mmiotrap.MmioEvent{
		GPA:       0xd0001000 + regStatus,
		Offset:    regStatus,
		Len:       4,
		Direction: mmiotrap.DirWrite,
		Value:     1, // StatusAcknowledge
	}

	time.Sleep(10 * time.Millisecond)

	loop.Shutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if corrupted.State() != virtio.StateFailed {
		t.Fatalf("corrupted device state = %v, want StateFailed", corrupted.State())
	}

	if healthy.State() != virtio.StateAck {
		t.Fatalf("healthy device state = %v, want StateAck; loop must keep servicing other devices after an invariant violation", healthy.State())
	}
}

func TestLoopShutdownWithoutEventsReturnsPromptly(t *testing.T) {
	t.Parallel()

	loop := NewLoop()

	runDone := make(chan error, 1)

	go func() { runDone <- loop.Run() }()

	loop.Shutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
