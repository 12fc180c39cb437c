// Package tracer attaches to an already-running process via ptrace and
// gives the rest of vmsh debugger-style control over it: reading and
// writing its memory, inspecting its register state, and injecting
// syscalls that run inside the target instead of inside vmsh itself.
//
// The approach mirrors the original Rust implementation's
// tracer/ptrace.rs and tracer/inject_syscall.rs: PTRACE_SEIZE every
// thread of the target so it can be resumed with PTRACE_INTERRUPT
// rather than leaving a SIGSTOP outstanding, save the main thread's
// registers and the instruction word at its current RIP, scribble a
// `syscall; int3` stub there, and use that stub for every
// RemoteSyscall until Detach restores the original bytes.
package tracer

import (
	"fmt"
	"os"
	"sync"

	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
)

var log = logging.For("tracer")

// Thread is one traced thread (one Linux tid) of the attached process.
type Thread struct {
	Tid int
}

// Process is a ptrace handle on every thread of a target process. Only
// the owning goroutine's OS thread may issue ptrace calls against it;
// callers that need to move a Process between goroutines must Disown
// it first and Adopt it from the new owner, following the same
// ownership contract as the original tracer::inject_syscall::Process.
type Process struct {
	mu sync.Mutex

	pid        int
	mainThread *Thread
	threads    []*Thread

	owned     bool
	savedRegs PtraceRegs
	savedText uint64

	// SyscallStubAddr is the address within the target where the
	// scratch `syscall; int3` stub was written. RemoteSyscall sets RIP
	// here before resuming the main thread.
	SyscallStubAddr uint64

	// scratchAddr is the address of the page Scratch mmap'd into the
	// target, or 0 if nothing has asked for one yet.
	scratchAddr uint64
}

// Attach seizes every thread of pid and prepares it for syscall
// injection. The caller owns the returned Process until Disown is
// called; Detach must eventually be called to restore the target to
// its original, unmodified state.
func Attach(pid int) (*Process, error) {
	tids, err := listTasks(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tasks of pid %d: %v", vmerr.ErrTargetIncompatible, pid, err)
	}

	threads := make([]*Thread, 0, len(tids))

	for _, tid := range tids {
		if err := seize(tid); err != nil {
			for _, t := range threads {
				_ = detach(t.Tid)
			}

			return nil, fmt.Errorf("%w: PTRACE_SEIZE tid %d: %v", vmerr.ErrPermissionDenied, tid, err)
		}

		threads = append(threads, &Thread{Tid: tid})
	}

	p := &Process{
		pid:        pid,
		threads:    threads,
		mainThread: threads[0],
		owned:      true,
	}

	if err := p.init(); err != nil {
		for _, t := range threads {
			_ = detach(t.Tid)
		}

		return nil, err
	}

	log.WithField("pid", pid).WithField("threads", len(threads)).Debug("attached")

	return p, nil
}

// init saves the main thread's registers and the text at its
// instruction pointer, then overwrites that text with a scratch
// syscall stub vmsh can repeatedly steer via RemoteSyscall.
func (p *Process) init() error {
	regs, err := getRegs(p.mainThread.Tid)
	if err != nil {
		return fmt.Errorf("%w: getregs: %v", vmerr.ErrBackendIo, err)
	}

	p.savedRegs = regs

	text, err := peekWord(p.mainThread.Tid, regs.IP())
	if err != nil {
		return fmt.Errorf("%w: reading text at %#x: %v", vmerr.ErrBackendIo, regs.IP(), err)
	}

	p.savedText = text
	p.SyscallStubAddr = regs.IP()

	if err := pokeWord(p.mainThread.Tid, regs.IP(), syscallStub); err != nil {
		return fmt.Errorf("%w: writing syscall stub: %v", vmerr.ErrBackendIo, err)
	}

	return nil
}

// Pid returns the pid of the attached target.
func (p *Process) Pid() int {
	return p.pid
}

// MainThread returns the thread used for RemoteSyscall and register
// access.
func (p *Process) MainThread() *Thread {
	return p.mainThread
}

// Threads returns every traced thread of the target.
func (p *Process) Threads() []*Thread {
	return p.threads
}

// Disown releases ptrace ownership back to the kernel without
// detaching, restoring the target's original registers and text so it
// can run unhindered until a (possibly different) goroutine calls
// Adopt.
func (p *Process) Disown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owned {
		return fmt.Errorf("%w: process already disowned", vmerr.ErrInvariantViolated)
	}

	if err := p.restore(); err != nil {
		return err
	}

	p.owned = false

	return nil
}

// Adopt re-establishes ownership of a previously Disown-ed process,
// re-seizing every thread and re-scribbling the syscall stub.
func (p *Process) Adopt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owned {
		return fmt.Errorf("%w: process already owned", vmerr.ErrInvariantViolated)
	}

	for _, t := range p.threads {
		if err := seize(t.Tid); err != nil {
			return fmt.Errorf("%w: re-seizing tid %d: %v", vmerr.ErrPermissionDenied, t.Tid, err)
		}
	}

	if err := p.init(); err != nil {
		return err
	}

	p.owned = true

	return nil
}

// restore writes back the saved text and registers on the main
// thread, unmapping the scratch page first if one was ever allocated.
// Safe to call multiple times.
func (p *Process) restore() error {
	if p.scratchAddr != 0 {
		if err := p.remoteMunmapLocked(p.scratchAddr, remoteScratchSize); err != nil {
			log.WithError(err).Warn("failed to unmap remote scratch page, target may leak memory")
		} else {
			p.scratchAddr = 0
		}
	}

	if err := pokeWord(p.mainThread.Tid, p.savedRegs.IP(), p.savedText); err != nil {
		log.WithError(err).Warn("failed to restore original text, target may be corrupted")
	}

	if err := setRegs(p.mainThread.Tid, p.savedRegs); err != nil {
		log.WithError(err).Warn("failed to restore original registers")
	}

	return nil
}

// Detach restores the target's original state and releases ptrace
// control over every thread, letting it resume exactly as if vmsh had
// never attached.
func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owned {
		_ = p.restore()
	}

	var firstErr error

	for _, t := range p.threads {
		if err := detach(t.Tid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: detaching tid %d: %v", vmerr.ErrBackendIo, t.Tid, err)
		}
	}

	log.WithField("pid", p.pid).Debug("detached")

	return firstErr
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}

	tids := make([]int, 0, len(entries))

	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err != nil {
			continue
		}

		tids = append(tids, tid)
	}

	if len(tids) == 0 {
		return nil, fmt.Errorf("no threads found")
	}

	return tids, nil
}
