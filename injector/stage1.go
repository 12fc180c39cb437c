// Package injector runs a small freestanding payload inside an
// already-running guest with kernel privileges, so the guest kernel
// discovers the virtio-MMIO devices vmsh has just presented. Grounded
// on the original Rust implementation's stage1.rs + loader.rs +
// page_table.rs, adapted to the boundary SPEC_FULL.md draws around
// the payload itself: the ELF blob is an external collaborator built
// and supplied as []byte, and injector only loads and launches it.
package injector

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Mic92/vmsh/guestmem"
	"github.com/Mic92/vmsh/hypervisor"
	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
)

var log = logging.For("injector")

// DeviceState mirrors the guest-side stage1-interface crate's
// DeviceState enum (#[repr(C)] i32): Undefined/Initializing/Ready/
// Terminating/Error, polled from vmsh and written to by the injected
// guest driver.
type DeviceState int32

const (
	DeviceUndefined    DeviceState = 0
	DeviceInitializing DeviceState = 1
	DeviceReady        DeviceState = 2
	DeviceTerminating  DeviceState = 3
	DeviceError        DeviceState = 4
)

const (
	// MaxDevices bounds the virtio-MMIO device addresses passed to
	// stage1, per spec.md §4.5 "up to 3".
	MaxDevices = 3
	// MaxArgv bounds the stage2 argv vector, per spec.md §4.5
	// "bounded by 256 entries".
	MaxArgv = 256

	cplMask = 0x3 // CS.Selector & 3 == 0 means ring 0 (kernel mode)

	stage1ArgsSize = MaxDevices*8 + MaxArgv*8 + 8 + 4 + 4
)

// Stage1Args is the fixed-size argument block vmsh writes into guest
// memory before jumping into the payload: the explicit configuration
// record the REDESIGN FLAGS section calls for in place of the
// original's process-wide static. ReturnIP is the address the
// payload's own trampoline jumps back to once stage1 has run,
// replacing a guest-kernel-stack push (which would require walking
// the guest's page tables to resolve RSP's physical backing) with a
// value the blob reads directly out of this record instead.
type Stage1Args struct {
	DeviceAddrs  [MaxDevices]uint64
	Argv         [MaxArgv]uint64
	ReturnIP     uint64
	DeviceStatus DeviceState
	DriverStatus DeviceState
}

func (a Stage1Args) marshal() []byte {
	buf := make([]byte, stage1ArgsSize)
	off := 0

	for _, d := range a.DeviceAddrs {
		binary.LittleEndian.PutUint64(buf[off:], d)
		off += 8
	}

	for _, p := range a.Argv {
		binary.LittleEndian.PutUint64(buf[off:], p)
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], a.ReturnIP)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(a.DeviceStatus))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(a.DriverStatus))

	return buf
}

const (
	deviceStatusOffset = MaxDevices*8 + MaxArgv*8 + 8
	driverStatusOffset = deviceStatusOffset + 4
)

// Allocator resolves one guest-kernel-memory buffer's guest-physical
// address (for vmsh's own writes through guestmem.Map) and its
// guest-virtual address (for pointers the payload itself, running
// inside the guest, must dereference). spec.md §4.5 step 2 leaves the
// in-guest allocation mechanism — a hijacked trampoline invoking
// vmalloc via the guest kernel's exported symbol table — as a detail
// of the concrete guest kernel build; Allocator is the seam that
// detail plugs into, per the "model as a sum of variants, not
// open-ended interfaces" REDESIGN FLAG generalized to allocation.
type Allocator interface {
	Allocate(size int) (gpa, gva uint64, err error)
}

// DirectMappedAllocator resolves guest-virtual addresses for a
// caller-reserved, physically contiguous buffer via the x86-64 Linux
// kernel's direct-mapped ("physmap") region: gva = gpa + base, where
// base is the guest kernel's PAGE_OFFSET for that region. It never
// touches the guest itself; it is correct exactly when the reserved
// buffer lies in memory the guest kernel direct-maps, which the
// Supervisor is responsible for arranging when it carves out the
// buffer's memslot.
type DirectMappedAllocator struct {
	GPABase uint64
	Base    uint64

	// next is the offset from GPABase handed out by the previous
	// Allocate call; each call carves out a fresh, non-overlapping
	// region rather than reusing GPABase for every request, since
	// Inject calls Allocate once for the stage1 image and again for
	// its argument block.
	next uint64
}

const allocatorAlignment = 4096

// Allocate returns size bytes at the next unused offset from GPABase,
// page-aligned, with a guest-virtual address computed via the direct
// map offset.
func (d *DirectMappedAllocator) Allocate(size int) (uint64, uint64, error) {
	gpa := d.GPABase + d.next

	aligned := (uint64(size) + allocatorAlignment - 1) &^ (allocatorAlignment - 1)
	d.next += aligned

	return gpa, gpa + d.Base, nil
}

// Injector hijacks one kernel-mode vCPU to run a Stage1Image inside
// the target guest and polls its status until the guest-side driver
// reports Ready.
type Injector struct {
	mem       *guestmem.Map
	vcpu      *hypervisor.VcpuHandle
	allocator Allocator
	savedRegs *hypervisor.Regs
}

// New returns an Injector that installs payloads through mem and
// hijacks vcpu, resolving guest buffers via allocator.
func New(mem *guestmem.Map, vcpu *hypervisor.VcpuHandle, allocator Allocator) *Injector {
	return &Injector{mem: mem, vcpu: vcpu, allocator: allocator}
}

// WaitForKernelMode busy-waits, polling every pollEvery up to
// deadline, until the vCPU's CS selector indicates ring 0 — spec.md
// §4.5 step 1's "hardware interrupts almost always provide this
// within a few milliseconds".
func (inj *Injector) WaitForKernelMode(pollEvery, deadline time.Duration) (hypervisor.Sregs, error) {
	giveUp := time.Now().Add(deadline)

	for {
		sregs, err := inj.vcpu.GetSregs()
		if err != nil {
			return hypervisor.Sregs{}, err
		}

		if sregs.CS.Selector&cplMask == 0 {
			return sregs, nil
		}

		if time.Now().After(giveUp) {
			return hypervisor.Sregs{}, fmt.Errorf("%w: vcpu %d did not enter kernel mode within %s",
				vmerr.ErrTimeout, inj.vcpu.Index, deadline)
		}

		time.Sleep(pollEvery)
	}
}

// Inject writes blob and an argument block into guest memory sized
// via allocator, then patches the vCPU's instruction pointer to jump
// into the payload's entrypoint. It saves the vCPU's registers first
// so Restore can undo the hijack if anything afterward fails, per
// spec.md §4.5's idempotence requirement: "either no vCPU IP has been
// altered, or the original bytes/registers are restored".
func (inj *Injector) Inject(blob *LoadedBlob, deviceAddrs [MaxDevices]uint64, argv []string) (*Stage1Image, error) {
	if _, err := inj.WaitForKernelMode(2*time.Millisecond, 2*time.Second); err != nil {
		return nil, err
	}

	savedRegs, err := inj.vcpu.GetRegs()
	if err != nil {
		return nil, fmt.Errorf("saving vcpu registers before injection: %w", err)
	}

	bufGPA, bufGVA, err := inj.allocator.Allocate(len(blob.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: allocating guest buffer for stage1: %v", vmerr.ErrInvariantViolated, err)
	}

	argsGPA, argsGVA, err := inj.allocator.Allocate(stage1ArgsSize + argvByteLen(argv))
	if err != nil {
		return nil, fmt.Errorf("%w: allocating guest buffer for stage1 args: %v", vmerr.ErrInvariantViolated, err)
	}

	if err := inj.mem.Write(bufGPA, blob.Image); err != nil {
		return nil, fmt.Errorf("writing stage1 payload into guest memory: %w", err)
	}

	argvPtrs, argvBlob, err := packArgv(argv, argsGVA+stage1ArgsSize)
	if err != nil {
		return nil, err
	}

	args := Stage1Args{
		DeviceAddrs:  deviceAddrs,
		Argv:         argvPtrs,
		ReturnIP:     savedRegs.RIP,
		DeviceStatus: DeviceInitializing,
		DriverStatus: DeviceUndefined,
	}

	if err := inj.mem.Write(argsGPA, args.marshal()); err != nil {
		return nil, fmt.Errorf("writing stage1 args into guest memory: %w", err)
	}

	if len(argvBlob) > 0 {
		if err := inj.mem.Write(argsGPA+stage1ArgsSize, argvBlob); err != nil {
			return nil, fmt.Errorf("writing stage2 argv strings into guest memory: %w", err)
		}
	}

	entry := bufGVA + blob.EntryOffset

	newRegs := savedRegs
	newRegs.RIP = entry

	if err := inj.vcpu.SetRegs(newRegs); err != nil {
		return nil, fmt.Errorf("%w: patching vcpu %d IP for injection: %v", vmerr.ErrInvariantViolated, inj.vcpu.Index, err)
	}

	inj.savedRegs = &savedRegs

	log.WithField("vcpu", inj.vcpu.Index).WithField("entry", fmt.Sprintf("%#x", entry)).Info("injected stage1")

	return &Stage1Image{
		Blob:       blob,
		StatusAddr: argsGPA + deviceStatusOffset,
	}, nil
}

// Restore undoes a hijack that never reached DeviceReady, putting the
// vCPU's registers back exactly as Inject found them. It is a no-op
// (and safe to call) if no Inject is outstanding.
func (inj *Injector) Restore() error {
	if inj.savedRegs == nil {
		return nil
	}

	if err := inj.vcpu.SetRegs(*inj.savedRegs); err != nil {
		return fmt.Errorf("%w: restoring vcpu %d registers after failed injection: %v", vmerr.ErrFatal, inj.vcpu.Index, err)
	}

	inj.savedRegs = nil

	return nil
}

// PollReady blocks, polling every pollEvery up to deadline, until
// img's DriverStatus field reports Ready, Error or Terminating.
func (inj *Injector) PollReady(img *Stage1Image, pollEvery, deadline time.Duration) (DeviceState, error) {
	giveUp := time.Now().Add(deadline)

	for {
		buf, err := inj.mem.Read(img.StatusAddr, 8)
		if err != nil {
			return DeviceUndefined, err
		}

		deviceStatus := DeviceState(binary.LittleEndian.Uint32(buf[0:4]))
		driverStatus := DeviceState(binary.LittleEndian.Uint32(buf[4:8]))

		switch driverStatus {
		case DeviceReady:
			inj.savedRegs = nil // guest driver took over; no longer our hijack to undo

			return DeviceReady, nil
		case DeviceError:
			return DeviceError, fmt.Errorf("%w: guest stage1 driver reported an error (device status %d)", vmerr.ErrGuestFault, deviceStatus)
		case DeviceTerminating:
			return DeviceTerminating, fmt.Errorf("%w: guest stage1 driver terminated unexpectedly", vmerr.ErrGuestFault)
		}

		if time.Now().After(giveUp) {
			return driverStatus, fmt.Errorf("%w: stage1 driver did not report ready within %s", vmerr.ErrTimeout, deadline)
		}

		time.Sleep(pollEvery)
	}
}

func argvByteLen(argv []string) int {
	n := 0
	for _, s := range argv {
		n += len(s) + 1
	}

	return n
}

// packArgv writes argv as NUL-terminated strings starting at the
// guest-virtual address that corresponds to gpa, and returns both the
// pointer table stage1 expects and the concatenated string bytes to
// write at gpa. argvGVABase must be the guest-virtual address the
// allocator resolved gpa to, so the pointer table the guest
// dereferences matches where vmsh actually writes the bytes.
func packArgv(argv []string, argvGVABase uint64) ([MaxArgv]uint64, []byte, error) {
	var ptrs [MaxArgv]uint64

	if len(argv) > MaxArgv {
		return ptrs, nil, fmt.Errorf("%w: argv has %d entries, exceeds MaxArgv=%d", vmerr.ErrInvariantViolated, len(argv), MaxArgv)
	}

	var blob []byte

	off := uint64(0)

	for i, s := range argv {
		ptrs[i] = argvGVABase + off
		blob = append(blob, []byte(s)...)
		blob = append(blob, 0)
		off += uint64(len(s) + 1)
	}

	return ptrs, blob, nil
}

// Stage1Image is a loaded, in-flight stage1 payload: spec.md §3's
// Stage1Image plus the guest address Injector polls for driver
// readiness.
type Stage1Image struct {
	Blob       *LoadedBlob
	StatusAddr uint64
}
