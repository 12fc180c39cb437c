package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// SyscallEvent describes one syscall a watched thread completed,
// captured at its syscall-exit-stop: the kernel has already run the
// call and the thread is still parked, so a handler has a window to
// inspect or patch the thread's memory before it resumes.
type SyscallEvent struct {
	Nr   uintptr
	Args [6]uintptr
	Ret  uintptr
}

// WatchThread puts tid under continuous PTRACE_SYSCALL tracing and
// reports every completed syscall to onSyscall until stop is closed or
// the thread exits. onSyscall runs with tid still stopped at its
// syscall-exit-stop, so it may call tid's owning Process's ReadMem /
// WriteMem to inspect or patch target memory (e.g. the kvm_run shared
// page) before the thread is allowed to resume.
//
// tid need not be p.mainThread and WatchThread does not take the
// ownership lock RemoteSyscall uses: it is meant to run concurrently,
// in its own goroutine, with RemoteSyscall calls against other
// threads of the same Process. The calling goroutine should pin
// itself to its OS thread for the duration of the watch (the same
// runtime.LockOSThread discipline gokvm's RunInfiniteLoop uses for
// per-thread kvm/ptrace state), since ptrace operations are
// thread-directed in the kernel.
func (p *Process) WatchThread(tid int, stop <-chan struct{}, onSyscall func(SyscallEvent)) error {
	entering := true

	var enterRegs PtraceRegs

	pendingSig := 0

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := unix.PtraceSyscall(tid, pendingSig); err != nil {
			return fmt.Errorf("%w: PTRACE_SYSCALL tid %d: %v", vmerr.ErrBackendIo, tid, err)
		}

		pendingSig = 0

		status, err := waitStopped(tid)
		if err != nil {
			return fmt.Errorf("%w: wait tid %d: %v", vmerr.ErrBackendIo, tid, err)
		}

		if status.Exited() {
			return nil
		}

		if !status.Stopped() || status.StopSignal() != unix.SIGTRAP|0x80 {
			// A real signal was delivered to the traced thread
			// instead of a syscall-stop; let it through untouched.
			if status.Stopped() {
				pendingSig = int(status.StopSignal())
			}

			continue
		}

		regs, err := getRegs(tid)
		if err != nil {
			return fmt.Errorf("%w: getregs tid %d: %v", vmerr.ErrBackendIo, tid, err)
		}

		if entering {
			enterRegs = regs
			entering = false

			continue
		}

		entering = true

		onSyscall(SyscallEvent{
			Nr: uintptr(enterRegs.Orig_rax),
			Args: [6]uintptr{
				uintptr(enterRegs.Rdi), uintptr(enterRegs.Rsi), uintptr(enterRegs.Rdx),
				uintptr(enterRegs.R10), uintptr(enterRegs.R8), uintptr(enterRegs.R9),
			},
			Ret: uintptr(regs.Rax),
		})
	}
}
