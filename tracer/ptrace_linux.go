//go:build linux

package tracer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PtraceRegs is the general purpose register set of a traced thread, as
// returned by PTRACE_GETREGS on amd64. Defined (not aliased) so it can
// carry the IP method call sites use.
type PtraceRegs unix.PtraceRegs

// IP returns the instruction pointer of a register snapshot.
func (regs PtraceRegs) IP() uint64 { return regs.Rip }

// syscallStub is `syscall; int3` encoded as a little-endian 64-bit
// word: 0x0f 0x05 (syscall) followed by 0xcc (int3) so the tracer gets
// a deterministic trap right after the kernel returns, instead of
// relying on PTRACE_SYSCALL's exit-stop alone to find the boundary.
const syscallStub = 0x0000000000cc050f

// seize attaches to tid with PTRACE_SEIZE and, since that syscall
// hardcodes its own options argument to 0, immediately follows up with
// PTRACE_SETOPTIONS so every later syscall-stop is tagged with the
// SIGTRAP|0x80 syscall-stop marker WatchThread relies on to tell a
// syscall-entry/exit stop apart from an unrelated trap.
func seize(tid int) error {
	if err := unix.PtraceSeize(tid); err != nil {
		return err
	}

	return unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACESYSGOOD)
}

func detach(tid int) error {
	return unix.PtraceDetach(tid)
}

func getRegs(tid int) (PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return PtraceRegs(regs), err
	}

	return PtraceRegs(regs), nil
}

func setRegs(tid int, regs PtraceRegs) error {
	raw := unix.PtraceRegs(regs)

	return unix.PtraceSetRegs(tid, &raw)
}

// peekWord and pokeWord operate on whole machine words via
// PTRACE_PEEKTEXT/PTRACE_POKETEXT, the same primitive the original
// inject_syscall.rs uses (through nix's ptrace::read/write) to patch
// a single syscall instruction into the target without disturbing
// anything else on that page.
func peekWord(tid int, addr uint64) (uint64, error) {
	var word uint64

	_, err := unix.PtracePeekText(tid, uintptr(addr), (*(*[8]byte)(unsafe.Pointer(&word)))[:])
	if err != nil {
		return 0, err
	}

	return word, nil
}

func pokeWord(tid int, addr uint64, word uint64) error {
	_, err := unix.PtracePokeText(tid, uintptr(addr), (*(*[8]byte)(unsafe.Pointer(&word)))[:])

	return err
}

// waitStopped waits for tid to report any ptrace-stop and returns the
// raw wait status, retrying across EINTR the way
// tracer::inject_syscall::wait_for_syscall does in the original.
func waitStopped(tid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus

	for {
		_, err := unix.Wait4(tid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return status, err
		}

		return status, nil
	}
}

func ptraceSyscall(tid int) error {
	return unix.PtraceSyscall(tid, 0)
}

func ptraceSingleStep(tid int) error {
	return unix.PtraceSingleStep(tid)
}

func ptraceCont(tid int) error {
	return unix.PtraceCont(tid, 0)
}

// readMemAt reads length bytes from the target's address space at
// addr through /proc/<pid>/mem, which is simpler and faster for bulk
// transfers than looping PTRACE_PEEKTEXT a word at a time.
func readMemAt(pid int, addr uint64, length int) ([]byte, error) {
	f, err := openProcMem(pid)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)

	n, err := f.ReadAt(buf, int64(addr))
	if err != nil && n != length {
		return nil, fmt.Errorf("short read at %#x: got %d of %d bytes: %w", addr, n, length, err)
	}

	return buf, nil
}

func writeMemAt(pid int, addr uint64, data []byte) error {
	f, err := openProcMemWrite(pid)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(addr))
	if err != nil && n != len(data) {
		return fmt.Errorf("short write at %#x: wrote %d of %d bytes: %w", addr, n, len(data), err)
	}

	return nil
}
