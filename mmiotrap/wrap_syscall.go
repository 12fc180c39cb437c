package mmiotrap

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/hypervisor"
	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
	"github.com/Mic92/vmsh/tracer"
)

var log = logging.For("mmiotrap")

// Layout of struct kvm_run on amd64: a fixed 32-byte header (request
// interrupt window / exit reason / ready-for-interrupt / if_flag /
// cr8 / apic_base) followed by a union of per-exit-reason payloads.
// For KVM_EXIT_MMIO the union is { phys_addr u64; data [8]u8; len
// u32; is_write u8 }, matching gokvm's kvm.RunData field order without
// gokvm's Go-level union collapsing (gokvm only decodes the IO exit
// variant in RunData.IO(); mmiotrap needs the MMIO variant instead).
const (
	runDataExitReasonOffset = 8
	runDataUnionOffset      = 32
	mmioPhysAddrOffset      = 0
	mmioDataOffset          = 8
	mmioLenOffset           = 16
	mmioIsWriteOffset       = 20
	runDataMmioSize         = 21

	exitMmio = 6 // kvm.EXITMMIO

	// exitReasonBenign is written back over EXITMMIO once vmsh has
	// serviced the access itself, so the hypervisor's own KVM_RUN
	// dispatch loop treats the return the same way gokvm's
	// machine.RunOnce treats an exit reason it does not recognize:
	// fall through without acting on it and call KVM_RUN again.
	exitReasonBenign = 0 // kvm.EXITUNKNOWN
)

// WrapSyscallBackend intercepts a target vCPU thread's KVM_RUN ioctls
// via continuous PTRACE_SYSCALL tracing (tracer.Process.WatchThread)
// and inspects the shared kvm_run page at each exit-stop, the
// entry/exit interposition tracer/wrap_syscall.rs uses. No kernel
// support beyond ptrace and /dev/kvm is required, at the cost of at
// least two context switches per intercepted exit.
type WrapSyscallBackend struct {
	proc *tracer.Process

	mu     sync.Mutex
	ranges []Range
	chans  map[Range]chan MmioEvent

	stop      chan struct{}
	watchDone chan error
}

// NewWrapSyscallBackend starts watching every vCPU thread in vcpuTids
// for KVM_RUN ioctls. runPageAddrs maps each watched tid to the
// userspace address, inside the target, its kvm_run page is mmapped
// at (see VcpuRunPageAddr).
func NewWrapSyscallBackend(proc *tracer.Process, vcpuTids []int, runPageAddrs map[int]uint64) (*WrapSyscallBackend, error) {
	b := &WrapSyscallBackend{
		proc:      proc,
		chans:     make(map[Range]chan MmioEvent),
		stop:      make(chan struct{}),
		watchDone: make(chan error, len(vcpuTids)),
	}

	for _, tid := range vcpuTids {
		runAddr, ok := runPageAddrs[tid]
		if !ok {
			return nil, fmt.Errorf("%w: no kvm_run page address known for tid %d", vmerr.ErrInvariantViolated, tid)
		}

		go func(tid int, runAddr uint64) {
			b.watchDone <- proc.WatchThread(tid, b.stop, func(ev tracer.SyscallEvent) {
				b.onSyscall(runAddr, ev)
			})
		}(tid, runAddr)
	}

	return b, nil
}

func (b *WrapSyscallBackend) onSyscall(runAddr uint64, ev tracer.SyscallEvent) {
	if ev.Nr != unix.SYS_IOCTL || ev.Args[1] != hypervisor.RunRequest {
		return
	}

	buf, err := b.proc.ReadMem(runAddr, runDataUnionOffset+runDataMmioSize)
	if err != nil {
		log.WithError(err).Warn("reading kvm_run page")

		return
	}

	if binary.LittleEndian.Uint32(buf[runDataExitReasonOffset:]) != exitMmio {
		return
	}

	mmio := buf[runDataUnionOffset:]
	physAddr := binary.LittleEndian.Uint64(mmio[mmioPhysAddrOffset:])
	length := int(binary.LittleEndian.Uint32(mmio[mmioLenOffset:]))
	isWrite := mmio[mmioIsWriteOffset] != 0

	rng, ch := b.findRange(physAddr)
	if ch == nil {
		return // not a range vmsh owns; let the hypervisor see the real exit
	}

	event := MmioEvent{GPA: rng.Base, Offset: physAddr - rng.Base, Len: length}

	if isWrite {
		event.Direction = DirWrite
		event.Value = littleEndianValue(mmio[mmioDataOffset:mmioDataOffset+8], length)
		ch <- event
	} else {
		ack := make(chan uint64, 1)
		event.Direction = DirRead
		event.ack = ack
		ch <- event

		putLittleEndianValue(mmio[mmioDataOffset:mmioDataOffset+8], length, <-ack)
	}

	binary.LittleEndian.PutUint32(buf[runDataExitReasonOffset:], exitReasonBenign)

	if err := b.proc.WriteMem(runAddr, buf[:runDataUnionOffset+runDataMmioSize]); err != nil {
		log.WithError(err).Warn("writing back kvm_run page")
	}
}

func (b *WrapSyscallBackend) findRange(addr uint64) (Range, chan MmioEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rng := range b.ranges {
		if rng.Contains(addr) {
			return rng, b.chans[rng]
		}
	}

	return Range{}, nil
}

// Register claims rng for MMIO interception. See Backend.
func (b *WrapSyscallBackend) Register(rng Range) (<-chan MmioEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.ranges {
		if rng.Overlaps(existing) {
			return nil, fmt.Errorf("%w: range %+v overlaps already-registered range %+v", vmerr.ErrInvariantViolated, rng, existing)
		}
	}

	ch := make(chan MmioEvent, 64)
	b.ranges = append(b.ranges, rng)
	b.chans[rng] = ch

	return ch, nil
}

// Unregister releases rng. See Backend.
func (b *WrapSyscallBackend) Unregister(rng Range) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.chans[rng]
	if !ok {
		return fmt.Errorf("%w: range %+v not registered", vmerr.ErrInvariantViolated, rng)
	}

	delete(b.chans, rng)
	close(ch)

	for i, r := range b.ranges {
		if r == rng {
			b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)

			break
		}
	}

	return nil
}

// Close stops watching every vCPU thread, waits for the watcher
// goroutines to exit, and then closes the channel of every range still
// registered.
func (b *WrapSyscallBackend) Close() error {
	close(b.stop)

	var firstErr error

	for i := 0; i < cap(b.watchDone); i++ {
		if err := <-b.watchDone; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.mu.Lock()
	for rng, ch := range b.chans {
		delete(b.chans, rng)
		close(ch)
	}
	b.ranges = nil
	b.mu.Unlock()

	return firstErr
}

// VcpuRunPageAddr scans /proc/<pid>/maps for the mapping the kernel
// labels "anon_inode:kvm-vcpu:<index>" and returns its start address:
// the userspace address the target's kvm_run page for that vCPU is
// mmapped at. index must match the position Discover assigned the fd
// in TargetFds.VcpuFds.
func VcpuRunPageAddr(pid, index int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("%w: reading /proc/%d/maps: %v", vmerr.ErrTargetIncompatible, pid, err)
	}

	suffix := fmt.Sprintf("anon_inode:kvm-vcpu:%d", index)

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasSuffix(strings.TrimSpace(line), suffix) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}

		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}

		return start, nil
	}

	return 0, fmt.Errorf("%w: no kvm-vcpu:%d mapping found for pid %d", vmerr.ErrTargetIncompatible, index, pid)
}

func littleEndianValue(b []byte, length int) uint64 {
	switch length {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

func putLittleEndianValue(b []byte, length int, value uint64) {
	switch length {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	}
}
