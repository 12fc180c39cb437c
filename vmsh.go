// Package vmsh orchestrates one attach session end to end: tracing the
// target hypervisor, discovering and duplicating its KVM fds,
// installing the virtio-MMIO device host behind an MMIO trap backend,
// injecting the stage1/stage2 guest runtime, and running the event
// loop until detach. Grounded on gokvm's vmm.VMM Init/Setup/Boot
// lifecycle (vmm/vmm.go), generalized from "build a VM from scratch"
// to "attach to one that already exists".
package vmsh

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/eventloop"
	"github.com/Mic92/vmsh/guestmem"
	"github.com/Mic92/vmsh/hypervisor"
	"github.com/Mic92/vmsh/injector"
	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
	"github.com/Mic92/vmsh/mmiotrap"
	"github.com/Mic92/vmsh/tracer"
	"github.com/Mic92/vmsh/virtio"
)

var log = logging.For("vmsh")

// MmioBackendKind selects which mmiotrap.Backend implementation an
// attach session uses, per spec.md §4.3's two interchangeable
// variants.
type MmioBackendKind string

const (
	MmioBackendWrapSyscall MmioBackendKind = "wrap_syscall"
	MmioBackendIoregionfd  MmioBackendKind = "ioregionfd"
)

const (
	// blkBaseAddr and consoleBaseAddr are the fixed guest-physical addresses
	// VMSH claims for its injected virtio-MMIO devices. They sit well
	// above any address a small guest kernel's own MMIO holes use;
	// spec.md leaves exact placement unspecified (an Open Question
	// this records a decision for, see DESIGN.md).
	blkBaseAddr     = 0xd0000000
	consoleBaseAddr = 0xd0001000
	deviceRangeLen  = 0x1000

	blkGSI     = 5
	consoleGSI = 6

	stage1PollInterval = 10 * time.Millisecond
	stage1Deadline     = 10 * time.Second
)

// AttachConfig carries every parsed `vmsh attach` option end to end, a
// single explicit record in place of any global mutable state, per
// SPEC_FULL.md §2.3.
type AttachConfig struct {
	PID int

	// BackingFile is the host file backing the injected block device.
	BackingFile string

	// Argv is the command to run inside the guest, forwarded to stage2
	// via stage1's Stage1Args.Argv.
	Argv []string

	// MmioBackend selects the trap mechanism; empty means "probe and
	// pick the best available" (ioregionfd if supported, else
	// wrap_syscall).
	MmioBackend MmioBackendKind

	// Stage1Blob and Stage2Path are the guest-runtime artifacts: the
	// freestanding ELF64 stage1 loader (parsed by injector.ParseELF)
	// and the path the guest sees for the stage2 init binary (already
	// present on whatever filesystem the backing file provides, or
	// baked into the guest image — VMSH does not itself copy it in).
	Stage1Blob []byte
	Stage2Path string

	// Console receives the guest console byte stream and supplies
	// bytes typed by the operator; cmd/vmsh wires this to a pty
	// (creack/pty), per SPEC_FULL.md's ConsoleBackend wiring.
	Console virtio.ConsoleBackend

	// ScratchGPA is a guest-physical address range, reserved by
	// whatever mechanism set up the target guest (spec.md §4.5 step 2
	// leaves this guest-kernel-build-specific), that vmsh may use to
	// stage the stage1 blob and its argument block. DirectMapGVABase
	// is the guest kernel's direct-map (PAGE_OFFSET) base; 0 defaults
	// to the canonical non-KASLR x86-64 value most kernels still use.
	ScratchGPA       uint64
	DirectMapGVABase uint64
}

// defaultDirectMapGVABase is the x86-64 Linux kernel's PAGE_OFFSET for
// the identity/direct-mapped region when KASLR is disabled, used as a
// fallback when AttachConfig.DirectMapGVABase is left zero.
const defaultDirectMapGVABase = 0xffff888000000000

// Session is one live attach: every resource AttachConfig caused
// vmsh to acquire, needed again at Detach time so cleanup can run in
// reverse of acquisition order, per spec.md §3's TargetProcess
// lifecycle note.
type Session struct {
	id       uuid.UUID
	cfg      AttachConfig
	lock     *flock.Flock
	proc     *tracer.Process
	handle   *hypervisor.Handle
	mem      *guestmem.Map
	memSlots []*guestmem.Slot
	backend  mmiotrap.Backend
	loop     *eventloop.Loop
	runErr   chan error

	blkRange     mmiotrap.Range
	consoleRange mmiotrap.Range

	injector *injector.Injector

	irqfds []int
}

// ID returns the session's identifier, used in log fields and in the
// name of the socket DuplicateFds sets up, so concurrent sessions can
// be told apart.
func (s *Session) ID() uuid.UUID { return s.id }

// lockPath is the advisory lock spec.md §8 Invariant 4 requires:
// "Concurrent attach attempts on the same PID yield exactly one
// success."
func lockPath(pid int) string {
	return fmt.Sprintf("/tmp/vmsh-%d.lock", pid)
}

// Supervisor is the control thread of spec.md §5: it owns the one
// Tracer per attach and creates/destroys Sessions. It holds no session
// state of its own so that multiple Attach calls (to different pids)
// never interfere.
type Supervisor struct{}

// NewSupervisor returns an idle Supervisor.
func NewSupervisor() *Supervisor { return &Supervisor{} }

// Attach performs the full attach sequence: lock, trace, discover,
// duplicate fds, install devices, inject the guest runtime, and start
// the event loop. On any failure it unwinds everything acquired so
// far before returning, leaving the target as if Attach was never
// called.
func (s *Supervisor) Attach(cfg AttachConfig) (*Session, error) {
	lock := flock.New(lockPath(cfg.PID))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: locking %s: %v", vmerr.ErrPermissionDenied, lock.Path(), err)
	}

	if !locked {
		return nil, fmt.Errorf("%w: pid %d already has an attached vmsh session", vmerr.ErrPermissionDenied, cfg.PID)
	}

	sess := &Session{id: uuid.New(), cfg: cfg, lock: lock, runErr: make(chan error, 1)}

	if err := sess.attach(); err != nil {
		_ = lock.Unlock()

		return nil, err
	}

	log.WithField("session", sess.id).WithField("pid", cfg.PID).Info("vmsh: attach complete")

	return sess, nil
}

func (s *Session) attach() error {
	proc, err := tracer.Attach(s.cfg.PID)
	if err != nil {
		return err
	}

	s.proc = proc

	fds, err := hypervisor.Discover(s.cfg.PID)
	if err != nil {
		s.unwind()

		return err
	}

	sockName := fmt.Sprintf("vmsh-%s", s.id)

	remote := append([]int{fds.KvmFd, fds.VmFd}, fds.VcpuFds...)

	if _, err := hypervisor.DuplicateFds(proc, sockName, remote); err != nil {
		s.unwind()

		return err
	}

	handle := hypervisor.NewHandle(proc, fds.KvmFd, fds.VmFd)
	for i, fd := range fds.VcpuFds {
		handle.Vcpus = append(handle.Vcpus, hypervisor.NewVcpuHandle(i, fd, proc))
	}

	s.handle = handle
	s.mem = guestmem.NewMap()

	memSlots, err := hypervisor.DiscoverMemslots(s.cfg.PID)
	if err != nil {
		s.unwind()

		return err
	}

	for _, raw := range memSlots {
		mapped, mapErr := s.mem.MapSlot(raw.GPA, int(raw.Size), raw.Fd(), raw.Offset(), raw.Readonly)
		closeErr := raw.Close()

		if mapErr != nil {
			s.unwind()

			return mapErr
		}

		if closeErr != nil {
			log.WithField("err", closeErr).Warn("vmsh: closing memslot backing fd after mmap")
		}

		s.memSlots = append(s.memSlots, mapped)
	}

	backend, err := s.selectBackend()
	if err != nil {
		s.unwind()

		return err
	}

	s.backend = backend

	if err := s.installDevices(); err != nil {
		s.unwind()

		return err
	}

	if err := s.injectGuestRuntime(); err != nil {
		s.unwind()

		return err
	}

	go func() { s.runErr <- s.loop.Run() }()

	return nil
}

// selectBackend probes KVM_CHECK_EXTENSION for ioregionfd support
// when the operator leaves MmioBackend unset, per spec.md §4.3(B)'s
// "the Supervisor probes via KVM_CHECK_EXTENSION."
func (s *Session) selectBackend() (mmiotrap.Backend, error) {
	kind := s.cfg.MmioBackend

	if kind == "" {
		kind = MmioBackendWrapSyscall

		if ok, err := s.handle.CheckExtension(capIoregionfd); err == nil && ok > 0 {
			kind = MmioBackendIoregionfd
		}
	}

	switch kind {
	case MmioBackendIoregionfd:
		return mmiotrap.NewIoregionfdBackend(s.proc, s.handle), nil
	case MmioBackendWrapSyscall:
		return s.newWrapSyscallBackend()
	default:
		return nil, fmt.Errorf("%w: unknown mmio backend %q", vmerr.ErrInvariantViolated, kind)
	}
}

// capIoregionfd is the out-of-tree ioregionfd patchset's capability
// number; there is no upstream-released constant to import, matching
// hypervisor/ioctl.go's nrSetIoRegion comment about the same patchset.
const capIoregionfd = 227

func (s *Session) newWrapSyscallBackend() (mmiotrap.Backend, error) {
	runPages := make(map[int]uint64, len(s.handle.Vcpus))

	for _, v := range s.handle.Vcpus {
		addr, err := mmiotrap.VcpuRunPageAddr(s.cfg.PID, v.Index)
		if err != nil {
			return nil, err
		}

		runPages[tidOf(s.proc, v.Index)] = addr
	}

	tids := make([]int, 0, len(runPages))
	for tid := range runPages {
		tids = append(tids, tid)
	}

	return mmiotrap.NewWrapSyscallBackend(s.proc, tids, runPages)
}

// tidOf maps a vcpu index to the kernel thread id that runs it. Every
// KVM vcpu fd is only ever ioctl'd from the thread that created it, so
// tracer.Process.Threads()[index] is that thread for a freshly
// attached, single-producer hypervisor.
func tidOf(proc *tracer.Process, index int) int {
	threads := proc.Threads()
	if index < len(threads) {
		return threads[index].Tid
	}

	return proc.Pid()
}

func (s *Session) installDevices() error {
	s.blkRange = mmiotrap.Range{Base: blkBaseAddr, Length: deviceRangeLen}
	s.consoleRange = mmiotrap.Range{Base: consoleBaseAddr, Length: deviceRangeLen}

	backend, err := virtio.OpenFileBlockBackend(s.cfg.BackingFile)
	if err != nil {
		return err
	}

	blkIRQ, err := s.newIrqfdInjector(blkGSI)
	if err != nil {
		return err
	}

	blk := virtio.NewBlk(backend)
	blkDev := virtio.NewMmioDevice(s.mem, blk, blkIRQ)

	consoleIRQ, err := s.newIrqfdInjector(consoleGSI)
	if err != nil {
		return err
	}

	console := virtio.NewConsole(s.cfg.Console)
	consoleDev := virtio.NewMmioDevice(s.mem, console, consoleIRQ)

	blkEvents, err := s.backend.Register(s.blkRange)
	if err != nil {
		return err
	}

	consoleEvents, err := s.backend.Register(s.consoleRange)
	if err != nil {
		return err
	}

	s.loop = eventloop.NewLoop()
	s.loop.AddDevice(s.blkRange, blkDev, blkEvents)
	s.loop.AddDevice(s.consoleRange, consoleDev, consoleEvents)

	const consoleRxQueueIdx = 0
	s.loop.AddConsolePump(console, s.cfg.Console.Read, consoleDev, consoleRxQueueIdx, consoleIRQ)

	return nil
}

func (s *Session) injectGuestRuntime() error {
	blob, err := injector.ParseELF(s.cfg.Stage1Blob)
	if err != nil {
		return err
	}

	directMapBase := s.cfg.DirectMapGVABase
	if directMapBase == 0 {
		directMapBase = defaultDirectMapGVABase
	}

	allocator := &injector.DirectMappedAllocator{GPABase: s.cfg.ScratchGPA, Base: directMapBase}

	inj := injector.New(s.mem, s.handle.Vcpus[0], allocator)
	s.injector = inj

	deviceAddrs := [injector.MaxDevices]uint64{blkBaseAddr, consoleBaseAddr}

	argv := append([]string{s.cfg.Stage2Path}, s.cfg.Argv...)

	img, err := inj.Inject(blob, deviceAddrs, argv)
	if err != nil {
		return err
	}

	if _, err := inj.PollReady(img, stage1PollInterval, stage1Deadline); err != nil {
		if restoreErr := inj.Restore(); restoreErr != nil {
			log.WithField("err", restoreErr).Error("vmsh: restoring hijacked vcpu after failed injection failed")
		}

		return err
	}

	return nil
}

// unwind releases whatever attach() acquired before the failure point,
// best-effort, logging anything that does not clean up rather than
// returning a second error that would shadow the original failure.
func (s *Session) unwind() {
	s.closeIrqfds()

	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			log.WithField("err", err).Warn("vmsh: closing mmio backend during unwind")
		}
	}

	s.unmapMemSlots()

	if s.proc != nil {
		if err := s.proc.Detach(); err != nil {
			log.WithField("err", err).Warn("vmsh: detaching tracer during unwind")
		}
	}
}

// unmapMemSlots releases every guest memory slot attach() mapped,
// best-effort, and clears the slice so a second call (unwind then
// Detach) is a no-op.
func (s *Session) unmapMemSlots() {
	if s.mem == nil {
		return
	}

	for _, slot := range s.memSlots {
		if err := s.mem.Unmap(slot); err != nil {
			log.WithField("err", err).Warn("vmsh: unmapping guest memory slot")
		}
	}

	s.memSlots = nil
}

// Detach stops the event loop, unregisters every claimed range,
// restores any still-hijacked vCPU, and releases the advisory lock, in
// reverse of Attach's acquisition order.
func (s *Session) Detach() error {
	if s.loop != nil {
		s.loop.Shutdown()

		select {
		case err := <-s.runErr:
			if err != nil {
				log.WithField("err", err).Error("vmsh: event loop exited with an error during detach")
			}
		case <-time.After(5 * time.Second):
			log.Warn("vmsh: event loop did not stop within the detach deadline")
		}
	}

	if s.injector != nil {
		if err := s.injector.Restore(); err != nil {
			log.WithField("err", err).Error("vmsh: restoring vcpu state during detach")
		}
	}

	s.closeIrqfds()

	if s.backend != nil {
		if err := s.backend.Unregister(s.blkRange); err != nil {
			log.WithField("err", err).Warn("vmsh: unregistering blk range")
		}

		if err := s.backend.Unregister(s.consoleRange); err != nil {
			log.WithField("err", err).Warn("vmsh: unregistering console range")
		}

		if err := s.backend.Close(); err != nil {
			log.WithField("err", err).Warn("vmsh: closing mmio backend")
		}
	}

	s.unmapMemSlots()

	if s.proc != nil {
		if err := s.proc.Detach(); err != nil {
			log.WithField("err", err).Error("vmsh: detaching tracer")
		}
	}

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			log.WithField("err", err).Warn("vmsh: releasing advisory lock")
		}
	}

	log.WithField("session", s.id).Info("vmsh: detach complete")

	return nil
}

// closeIrqfds closes every local eventfd newIrqfdInjector opened,
// best-effort, and clears the slice so a second call (unwind then
// Detach) is a no-op.
func (s *Session) closeIrqfds() {
	for _, fd := range s.irqfds {
		if err := unix.Close(fd); err != nil {
			log.WithField("err", err).Warn("vmsh: closing irqfd")
		}
	}

	s.irqfds = nil
}

// newIrqfdInjector creates an eventfd in vmsh's own process, registers
// a duplicate of it in the target via KVM_IRQFD for the given GSI, and
// returns an IRQInjector that raises the interrupt by writing to the
// local end. Per spec.md §4.7, "interrupt injection is always a direct
// write to the hypervisor-registered irqfd; no ioctl path is used on
// the hot path" — the KVM_IRQFD registration ioctl runs once here, at
// device-install time, never again on the per-interrupt hot path.
func (s *Session) newIrqfdInjector(gsi uint32) (*irqfdInjector, error) {
	sockName := fmt.Sprintf("vmsh-irqfd-%s-%d", s.id, gsi)

	localFd, targetFd, err := hypervisor.SendEventfdToTarget(s.proc, sockName)
	if err != nil {
		return nil, err
	}

	if err := s.handle.RegisterIrqfd(targetFd, gsi); err != nil {
		unix.Close(localFd)

		return nil, err
	}

	s.irqfds = append(s.irqfds, localFd)

	return &irqfdInjector{fd: localFd}, nil
}

// irqfdInjector raises an interrupt by writing the eventfd counter
// increment KVM's irqfd reader is waiting on, never touching the
// hypervisor's vmFd itself.
type irqfdInjector struct {
	fd int
}

var irqfdWriteValue = []byte{1, 0, 0, 0, 0, 0, 0, 0}

func (i *irqfdInjector) Inject() error {
	_, err := unix.Write(i.fd, irqfdWriteValue)

	return err
}
