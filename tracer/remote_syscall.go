package tracer

import (
	"fmt"
	"os"
	"syscall"

	"github.com/Mic92/vmsh/internal/vmerr"
)

func openProcMem(pid int) (*os.File, error) {
	return os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
}

func openProcMemWrite(pid int) (*os.File, error) {
	return os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_WRONLY, 0)
}

// ReadMem reads length bytes out of the target's address space.
func (p *Process) ReadMem(addr uint64, length int) ([]byte, error) {
	buf, err := readMemAt(p.pid, addr, length)
	if err != nil {
		return nil, fmt.Errorf("%w: ReadMem at %#x: %v", vmerr.ErrBackendIo, addr, err)
	}

	return buf, nil
}

// WriteMem writes data into the target's address space.
func (p *Process) WriteMem(addr uint64, data []byte) error {
	if err := writeMemAt(p.pid, addr, data); err != nil {
		return fmt.Errorf("%w: WriteMem at %#x: %v", vmerr.ErrBackendIo, addr, err)
	}

	return nil
}

// prepareSyscall loads a register snapshot with a syscall's number
// and up to 6 arguments in the amd64 syscall ABI, and points RIP at
// the scratch syscall stub written by init(). This is the Go
// equivalent of the original's Regs::prepare_syscall / syscall_args!
// macro.
func prepareSyscall(base PtraceRegs, nr uintptr, args [6]uintptr) PtraceRegs {
	regs := base

	regs.Rip = base.IP()
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(args[0])
	regs.Rsi = uint64(args[1])
	regs.Rdx = uint64(args[2])
	regs.R10 = uint64(args[3])
	regs.R8 = uint64(args[4])
	regs.R9 = uint64(args[5])

	return regs
}

// RemoteSyscall injects a syscall into the target process and returns
// its return value, following the scribble-then-PTRACE_SYSCALL-twice
// protocol: one syscall-enter stop, one syscall-exit stop, then read
// RAX. Must be called by the goroutine that currently owns the
// Process (see Adopt/Disown).
func (p *Process) RemoteSyscall(nr uintptr, args ...uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owned {
		return 0, fmt.Errorf("%w: process not owned by this caller", vmerr.ErrInvariantViolated)
	}

	return p.remoteSyscallLocked(nr, args...)
}

// remoteSyscallLocked is RemoteSyscall's body, split out so methods
// composed from several remote syscalls (Scratch, RemoteMmap,
// RemoteMunmap) can chain calls under a single p.mu critical section
// instead of each re-acquiring it and deadlocking against itself.
func (p *Process) remoteSyscallLocked(nr uintptr, args ...uintptr) (uintptr, error) {
	var a [6]uintptr
	copy(a[:], args)

	regs := prepareSyscall(p.savedRegs, nr, a)

	if err := setRegs(p.mainThread.Tid, regs); err != nil {
		return 0, fmt.Errorf("%w: setregs before syscall %d: %v", vmerr.ErrBackendIo, nr, err)
	}

	if err := p.waitForSyscallStop(); err != nil {
		return 0, fmt.Errorf("%w: enter-stop for syscall %d: %v", vmerr.ErrBackendIo, nr, err)
	}

	if err := p.waitForSyscallStop(); err != nil {
		return 0, fmt.Errorf("%w: exit-stop for syscall %d: %v", vmerr.ErrBackendIo, nr, err)
	}

	result, err := getRegs(p.mainThread.Tid)
	if err != nil {
		return 0, fmt.Errorf("%w: getregs after syscall %d: %v", vmerr.ErrBackendIo, nr, err)
	}

	ret := int64(result.Rax)
	if ret < 0 && ret > -4096 {
		errno := syscall.Errno(-ret)

		return 0, &vmerr.RemoteSyscallError{Nr: nr, Errno: errno}
	}

	return uintptr(result.Rax), nil
}

// remoteScratchSize is the size of the anonymous page Scratch maps
// into the target for dup.go's sendmsg/recvmsg buffers and ioctl.go's
// ioctl argument structs, replacing writes onto the target's syscall
// stub page (which only init/restore ever save and restore a single
// word of). The largest current user, an SRegs KVM_GET_SREGS ioctl
// argument at ioctlScratchBase, needs well under a page.
const remoteScratchSize = 4096

// Scratch returns the address of a page of memory vmsh owns inside
// the target, mapping one in on first use via RemoteMmap. Unlike the
// syscall stub's saved word, this page was never the target's own, so
// restore() can munmap it outright instead of having to reconstruct
// its prior contents, matching how the original's HvMem<T> maps a
// scratch value into the tracee with tracee.mmap() and drops it with
// tracee.munmap() (kvm/hypervisor/memory.rs).
func (p *Process) Scratch() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owned {
		return 0, fmt.Errorf("%w: process not owned by this caller", vmerr.ErrInvariantViolated)
	}

	if p.scratchAddr != 0 {
		return p.scratchAddr, nil
	}

	addr, err := p.remoteMmapLocked(remoteScratchSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}

	p.scratchAddr = addr

	return addr, nil
}

// RemoteMmap composes mmap(2) from RemoteSyscall, giving the target a
// mapping vmsh can address but that belongs to vmsh, not to whatever
// the target had mapped there before.
func (p *Process) RemoteMmap(length int, prot, flags int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owned {
		return 0, fmt.Errorf("%w: process not owned by this caller", vmerr.ErrInvariantViolated)
	}

	return p.remoteMmapLocked(length, prot, flags)
}

func (p *Process) remoteMmapLocked(length int, prot, flags int) (uint64, error) {
	ret, err := p.remoteSyscallLocked(syscall.SYS_MMAP, 0, uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, fmt.Errorf("%w: remote mmap: %v", vmerr.ErrBackendIo, err)
	}

	return uint64(ret), nil
}

// RemoteMunmap composes munmap(2) from RemoteSyscall, undoing a
// RemoteMmap so the target is left exactly as it would be had vmsh
// never attached, per the revert-on-detach invariant.
func (p *Process) RemoteMunmap(addr uint64, length int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owned {
		return fmt.Errorf("%w: process not owned by this caller", vmerr.ErrInvariantViolated)
	}

	return p.remoteMunmapLocked(addr, length)
}

func (p *Process) remoteMunmapLocked(addr uint64, length int) error {
	if _, err := p.remoteSyscallLocked(syscall.SYS_MUNMAP, uintptr(addr), uintptr(length)); err != nil {
		return fmt.Errorf("%w: remote munmap: %v", vmerr.ErrBackendIo, err)
	}

	return nil
}

// RemoteOpenat composes openat(2) from RemoteSyscall, writing path
// into the scratch page since the kernel needs a pointer it can
// dereference inside the target's own address space.
func (p *Process) RemoteOpenat(dirfd int, path string, flags int, mode uint32) (int, error) {
	addr, err := p.Scratch()
	if err != nil {
		return 0, err
	}

	buf := append([]byte(path), 0)
	if len(buf) > remoteScratchSize {
		return 0, fmt.Errorf("%w: path %q too long for the remote scratch page", vmerr.ErrInvariantViolated, path)
	}

	if err := p.WriteMem(addr, buf); err != nil {
		return 0, err
	}

	ret, err := p.RemoteSyscall(syscall.SYS_OPENAT, uintptr(dirfd), uintptr(addr), uintptr(flags), uintptr(mode))
	if err != nil {
		return 0, fmt.Errorf("%w: remote openat(%q): %v", vmerr.ErrBackendIo, path, err)
	}

	return int(ret), nil
}

// RemoteClose composes close(2) from RemoteSyscall.
func (p *Process) RemoteClose(fd int) error {
	if _, err := p.RemoteSyscall(syscall.SYS_CLOSE, uintptr(fd)); err != nil {
		return fmt.Errorf("%w: remote close(%d): %v", vmerr.ErrBackendIo, fd, err)
	}

	return nil
}

// RemoteDup2 composes dup2(2) from RemoteSyscall.
func (p *Process) RemoteDup2(oldfd, newfd int) error {
	if _, err := p.RemoteSyscall(syscall.SYS_DUP2, uintptr(oldfd), uintptr(newfd)); err != nil {
		return fmt.Errorf("%w: remote dup2(%d -> %d): %v", vmerr.ErrBackendIo, oldfd, newfd, err)
	}

	return nil
}

func (p *Process) waitForSyscallStop() error {
	for {
		if err := ptraceSyscall(p.mainThread.Tid); err != nil {
			return err
		}

		status, err := waitStopped(p.mainThread.Tid)
		if err != nil {
			return err
		}

		if status.Exited() {
			return fmt.Errorf("target exited with status %d while waiting for syscall-stop", status.ExitStatus())
		}

		if status.Stopped() && status.StopSignal() == syscall.SIGTRAP|0x80 {
			return nil
		}
	}
}
