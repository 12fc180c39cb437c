package virtio

import (
	"testing"

	"github.com/Mic92/vmsh/guestmem"
	"golang.org/x/sys/unix"
)

type fakeDevice struct {
	id       uint32
	features uint64
	nqueues  int
	config   []byte

	notified []int
}

func (f *fakeDevice) DeviceID() uint32        { return f.id }
func (f *fakeDevice) OfferedFeatures() uint64 { return f.features }
func (f *fakeDevice) NumQueues() int          { return f.nqueues }
func (f *fakeDevice) ConfigSpace() []byte     { return f.config }

func (f *fakeDevice) OnQueueNotify(qidx int, q *Queue, irq IRQInjector) error {
	f.notified = append(f.notified, qidx)

	return nil
}

type fakeIRQ struct {
	n int
}

func (f *fakeIRQ) Inject() error {
	f.n++

	return nil
}

func newMmioTestDevice(t *testing.T) (*guestmem.Map, *MmioDevice, *fakeDevice) {
	t.Helper()

	fd, err := unix.MemfdCreate("virtio-mmio-test", 0)
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

	backend := &fakeDevice{id: blkDeviceID, features: featVersion1 | featBlkSize, nqueues: 1, config: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

	return mem, NewMmioDevice(mem, backend, &fakeIRQ{}), backend
}

func TestMmioDeviceReadsMagicAndID(t *testing.T) {
	t.Parallel()

	_, d, _ := newMmioTestDevice(t)

	v, err := d.readRegister(regMagicValue, 4)
	if err != nil || v != magicValue {
		t.Fatalf("MagicValue = %#x, err=%v; want %#x", v, err, magicValue)
	}

	v, err = d.readRegister(regDeviceID, 4)
	if err != nil || v != uint64(blkDeviceID) {
		t.Fatalf("DeviceID = %d, err=%v; want %d", v, err, blkDeviceID)
	}
}

func TestMmioDeviceStatusFSM(t *testing.T) {
	t.Parallel()

	_, d, _ := newMmioTestDevice(t)

	steps := []struct {
		write uint32
		want  DeviceState
	}{
		{StatusAcknowledge, StateAck},
		{StatusAcknowledge | StatusDriver, StateDriver},
		{StatusAcknowledge | StatusDriver | StatusFeaturesOK, StateFeaturesOK},
		{StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK, StateRunning},
	}

	for _, s := range steps {
		if err := d.writeRegister(regStatus, 4, uint64(s.write)); err != nil {
			t.Fatalf("writeRegister(status=%#x): %v", s.write, err)
		}

		if d.State() != s.want {
			t.Fatalf("state after writing %#x = %v, want %v", s.write, d.State(), s.want)
		}
	}
}

func TestMmioDeviceFailedIsIrrevocable(t *testing.T) {
	t.Parallel()

	_, d, _ := newMmioTestDevice(t)

	if err := d.writeRegister(regStatus, 4, StatusFailed); err != nil {
		t.Fatalf("writeRegister(FAILED): %v", err)
	}

	if err := d.writeRegister(regStatus, 4, StatusAcknowledge); err != nil {
		t.Fatalf("writeRegister(ACK after FAILED): %v", err)
	}

	if d.State() != StateFailed {
		t.Fatalf("state = %v, want StateFailed to stick", d.State())
	}
}

func TestMmioDeviceResetClearsQueues(t *testing.T) {
	t.Parallel()

	_, d, _ := newMmioTestDevice(t)

	if err := d.writeRegister(regQueueSel, 4, 0); err != nil {
		t.Fatalf("writeRegister(QueueSel): %v", err)
	}

	if err := d.writeRegister(regQueueNum, 4, 4); err != nil {
		t.Fatalf("writeRegister(QueueNum): %v", err)
	}

	if err := d.writeRegister(regQueueDescLow, 4, 0x1000); err != nil {
		t.Fatalf("writeRegister(QueueDescLow): %v", err)
	}

	if err := d.writeRegister(regQueueAvailLow, 4, 0x2000); err != nil {
		t.Fatalf("writeRegister(QueueAvailLow): %v", err)
	}

	if err := d.writeRegister(regQueueUsedLow, 4, 0x3000); err != nil {
		t.Fatalf("writeRegister(QueueUsedLow): %v", err)
	}

	if err := d.writeRegister(regQueueReady, 4, 1); err != nil {
		t.Fatalf("writeRegister(QueueReady): %v", err)
	}

	v, err := d.readRegister(regQueueReady, 4)
	if err != nil || v != 1 {
		t.Fatalf("QueueReady after activation = %d, err=%v; want 1", v, err)
	}

	if err := d.writeRegister(regStatus, 4, 0); err != nil {
		t.Fatalf("writeRegister(reset): %v", err)
	}

	v, err = d.readRegister(regQueueReady, 4)
	if err != nil || v != 0 {
		t.Fatalf("QueueReady after reset = %d, err=%v; want 0", v, err)
	}
}

func TestMmioDeviceNotifyDispatchesToBackend(t *testing.T) {
	t.Parallel()

	_, d, backend := newMmioTestDevice(t)

	writes := []struct {
		off uint64
		val uint64
	}{
		{regQueueSel, 0},
		{regQueueNum, 4},
		{regQueueDescLow, 0x1000},
		{regQueueAvailLow, 0x2000},
		{regQueueUsedLow, 0x3000},
		{regQueueReady, 1},
	}

	for _, w := range writes {
		if err := d.writeRegister(w.off, 4, w.val); err != nil {
			t.Fatalf("writeRegister(%#x, %d): %v", w.off, w.val, err)
		}
	}

	if err := d.writeRegister(regQueueNotify, 4, 0); err != nil {
		t.Fatalf("writeRegister(QueueNotify): %v", err)
	}

	if len(backend.notified) != 1 || backend.notified[0] != 0 {
		t.Fatalf("backend.notified = %v, want [0]", backend.notified)
	}
}
