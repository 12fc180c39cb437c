package hypervisor

import (
	"encoding/binary"
	"fmt"

	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/tracer"
)

var log = logging.For("hypervisor")

// Regs mirrors struct kvm_regs, identical in shape to gokvm's
// kvm.Regs: every general purpose register of an x86-64 vcpu.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11    uint64
	R12, R13, R14, R15  uint64
	RIP, RFLAGS         uint64
}

const regsSize = 18 * 8

func (r Regs) marshal() []byte {
	buf := make([]byte, regsSize)
	vals := []uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}

	return buf
}

func unmarshalRegs(buf []byte) Regs {
	v := make([]uint64, 18)
	for i := range v {
		v[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}

	return Regs{
		RAX: v[0], RBX: v[1], RCX: v[2], RDX: v[3],
		RSI: v[4], RDI: v[5], RSP: v[6], RBP: v[7],
		R8: v[8], R9: v[9], R10: v[10], R11: v[11],
		R12: v[12], R13: v[13], R14: v[14], R15: v[15],
		RIP: v[16], RFLAGS: v[17],
	}
}

// Segment mirrors struct kvm_segment (one entry of kvm_sregs).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

const segmentSize = 8 + 4 + 2 + 9 + 1 // +1 padding byte, matches kvm_segment's 24-byte layout

func unmarshalSegment(buf []byte) Segment {
	return Segment{
		Base:     binary.LittleEndian.Uint64(buf[0:]),
		Limit:    binary.LittleEndian.Uint32(buf[8:]),
		Selector: binary.LittleEndian.Uint16(buf[12:]),
		Typ:      buf[14],
		Present:  buf[15],
		DPL:      buf[16],
		DB:       buf[17],
		S:        buf[18],
		L:        buf[19],
		G:        buf[20],
		AVL:      buf[21],
	}
}

// Sregs mirrors struct kvm_sregs's fixed-size prefix: the eight
// segment registers, the two descriptor table pointers, and the
// control registers. vmsh never needs the 256-bit interrupt bitmap
// tail, so it is not decoded.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
}

const sregsSize = 8*segmentSize + 2*16 + 7*8 + 256/8

func unmarshalSregs(buf []byte) Sregs {
	seg := func(i int) Segment { return unmarshalSegment(buf[i*segmentSize:]) }
	base := 8 * segmentSize
	tableSkip := base + 2*16
	crs := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[tableSkip+i*8:]) }

	return Sregs{
		CS: seg(0), DS: seg(1), ES: seg(2), FS: seg(3), GS: seg(4), SS: seg(5),
		TR: seg(6), LDT: seg(7),
		CR0: crs(0), CR2: crs(1), CR3: crs(2), CR4: crs(3),
		CR8: crs(4), EFER: crs(5), ApicBase: crs(6),
	}
}

// VcpuHandle issues the synchronous, read-mostly vcpu ioctls vmsh
// needs for inspection and coredumping (KVM_GET_REGS, KVM_GET_SREGS)
// against a vcpu fd that still lives in the target's own fd table.
// vmsh never issues KVM_RUN on it: the target's own thread keeps
// running the vcpu loop exactly as spec.md requires.
type VcpuHandle struct {
	Index int
	fd    int
	proc  *tracer.Process
}

// NewVcpuHandle wraps a target-side vcpu fd number.
func NewVcpuHandle(index, fd int, proc *tracer.Process) *VcpuHandle {
	return &VcpuHandle{Index: index, fd: fd, proc: proc}
}

// Fd returns the vcpu's fd number inside the target process.
func (v *VcpuHandle) Fd() int { return v.fd }

// GetRegs reads the vcpu's general purpose registers.
func (v *VcpuHandle) GetRegs() (Regs, error) {
	out, err := remoteIoctl(v.proc, v.fd, IIOR(nrGetRegs, regsSize), make([]byte, regsSize))
	if err != nil {
		return Regs{}, fmt.Errorf("KVM_GET_REGS vcpu %d: %w", v.Index, err)
	}

	return unmarshalRegs(out), nil
}

// GetSregs reads the vcpu's special (segment/control) registers.
func (v *VcpuHandle) GetSregs() (Sregs, error) {
	out, err := remoteIoctl(v.proc, v.fd, IIOR(nrGetSregs, sregsSize), make([]byte, sregsSize))
	if err != nil {
		return Sregs{}, fmt.Errorf("KVM_GET_SREGS vcpu %d: %w", v.Index, err)
	}

	return unmarshalSregs(out), nil
}

// SetRegs writes back the vcpu's general purpose registers, used by
// the injector to hijack a kernel-mode vCPU's instruction pointer.
func (v *VcpuHandle) SetRegs(regs Regs) error {
	if _, err := remoteIoctl(v.proc, v.fd, IIOW(nrSetRegs, regsSize), regs.marshal()); err != nil {
		return fmt.Errorf("KVM_SET_REGS vcpu %d: %w", v.Index, err)
	}

	return nil
}

// irqLevel mirrors struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func (l irqLevel) marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], l.IRQ)
	binary.LittleEndian.PutUint32(buf[4:], l.Level)

	return buf
}

// irqfd mirrors struct kvm_irqfd's fixed-size prefix (fd, gsi, flags).
type irqfdArg struct {
	Fd    uint32
	GSI   uint32
	Flags uint32
}

func (a irqfdArg) marshal() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], a.Fd)
	binary.LittleEndian.PutUint32(buf[4:], a.GSI)
	binary.LittleEndian.PutUint32(buf[8:], a.Flags)

	return buf
}

// userspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r userspaceMemoryRegion) marshal() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], r.Slot)
	binary.LittleEndian.PutUint32(buf[4:], r.Flags)
	binary.LittleEndian.PutUint64(buf[8:], r.GuestPhysAddr)
	binary.LittleEndian.PutUint64(buf[16:], r.MemorySize)
	binary.LittleEndian.PutUint64(buf[24:], r.UserspaceAddr)

	return buf
}

// Handle is vmsh's view of the attached VM: the target-side fd numbers
// for /dev/kvm and the vm, plus one VcpuHandle per vcpu, as produced
// by hypervisor.Discover. It never owns the vm's lifetime and issues
// every mutating ioctl through the tracer.Process that attached to the
// target, so KVM sees the calls coming from the process that actually
// created the vm.
type Handle struct {
	proc  *tracer.Process
	kvmFd int
	vmFd  int
	Vcpus []*VcpuHandle
}

// NewHandle wraps target-side kvm/vm fd numbers discovered for proc's
// target.
func NewHandle(proc *tracer.Process, kvmFd, vmFd int) *Handle {
	return &Handle{proc: proc, kvmFd: kvmFd, vmFd: vmFd}
}

// VmFd returns the vm's fd number inside the target process.
func (h *Handle) VmFd() int { return h.vmFd }

// SetUserMemoryRegion installs a guest-physical memory region backed
// by pages vmsh mapped into the target's own address space (see
// guestmem.Map). Slot numbers must not collide with any slot already
// used by the target hypervisor itself.
func (h *Handle) SetUserMemoryRegion(slot uint32, gpa, size, userspaceAddr uint64, readonly bool) error {
	region := userspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: userspaceAddr,
	}

	if readonly {
		region.Flags |= 1 << 1
	}

	if _, err := remoteIoctl(h.proc, h.vmFd, IIOW(nrSetUserMemoryRegion, 32), region.marshal()); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}

	return nil
}

// IRQLine raises or lowers a legacy (non-MSI) interrupt line.
func (h *Handle) IRQLine(irq uint32, level uint32) error {
	lvl := irqLevel{IRQ: irq, Level: level}

	if _, err := remoteIoctl(h.proc, h.vmFd, IIOW(nrIRQLine, 8), lvl.marshal()); err != nil {
		return fmt.Errorf("KVM_IRQ_LINE irq %d: %w", irq, err)
	}

	return nil
}

// RegisterIrqfd wires an eventfd living in the target's fd table to a
// guest interrupt line (GSI), so any write to that eventfd causes KVM
// to inject the interrupt without vmsh being scheduled in the hot
// path. This generalizes gokvm's per-edge IRQLine ioctl call to the
// asynchronous irqfd primitive KVM also exposes, and is how vmsh.go's
// irqfd injector delivers virtio interrupts for either mmiotrap backend.
func (h *Handle) RegisterIrqfd(targetEventFd int, gsi uint32) error {
	arg := irqfdArg{Fd: uint32(targetEventFd), GSI: gsi}

	if _, err := remoteIoctl(h.proc, h.vmFd, IIOW(nrIRQFD, 32), arg.marshal()); err != nil {
		return fmt.Errorf("KVM_IRQFD gsi %d: %w", gsi, err)
	}

	return nil
}

// ioregion mirrors the out-of-tree ioregionfd patchset's struct
// kvm_ioregion (guest_paddr, memory_size, rfd, wfd); see the nrSetIoRegion
// comment in ioctl.go for why this is reconstructed rather than copied
// from a released kernel header.
type ioregion struct {
	GuestPAddr uint64
	MemorySize uint64
	Rfd        int32
	Wfd        int32
}

func (r ioregion) marshal() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], r.GuestPAddr)
	binary.LittleEndian.PutUint64(buf[8:], r.MemorySize)
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.Rfd))
	binary.LittleEndian.PutUint32(buf[20:], uint32(r.Wfd))

	return buf
}

// SetIoRegion installs the ioregionfd interface spec.md §4.3(B)
// describes: guest accesses inside [gpa, gpa+size) are routed to the
// rfd/wfd eventfd pair (fd numbers valid inside the target, since the
// ioctl itself executes there) instead of producing a KVM_RUN MMIO
// exit.
func (h *Handle) SetIoRegion(gpa, size uint64, rfd, wfd int) error {
	reg := ioregion{GuestPAddr: gpa, MemorySize: size, Rfd: int32(rfd), Wfd: int32(wfd)}

	if _, err := remoteIoctl(h.proc, h.vmFd, IIOW(nrSetIoRegion, 24), reg.marshal()); err != nil {
		return fmt.Errorf("KVM_SET_IOREGION gpa %#x: %w", gpa, err)
	}

	return nil
}

// CheckExtension probes a KVM capability, mirroring gokvm's use of
// KVM_CHECK_EXTENSION to size slot tables in memory.New.
func (h *Handle) CheckExtension(capability uintptr) (int, error) {
	ret, err := h.proc.RemoteSyscall(unixSysIoctl, uintptr(h.kvmFd), IIO(nrCheckExtension), capability)
	if err != nil {
		return 0, fmt.Errorf("KVM_CHECK_EXTENSION %d: %w", capability, err)
	}

	return int(ret), nil
}

// Close is a no-op: Handle never holds any fd that belongs to vmsh's
// own process, only target-side fd numbers reachable through proc, so
// there is nothing for vmsh to release locally. It exists so callers
// can use Handle in the usual defer-Close idiom.
func (h *Handle) Close() error {
	log.WithField("target_pid", h.proc.Pid()).Debug("hypervisor handle released")

	return nil
}
