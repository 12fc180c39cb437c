// Package coredump implements `vmsh coredump <pid>`: a diagnostic,
// read-only snapshot of a target hypervisor's vCPU register state,
// taken by briefly attaching and detaching again so the command leaves
// no residue, per spec.md §6's "Persisted state: none."
package coredump

import (
	"fmt"
	"io"

	"github.com/Mic92/vmsh/hypervisor"
	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/tracer"
)

var log = logging.For("coredump")

// VcpuState is one vCPU's register snapshot.
type VcpuState struct {
	Index int
	Regs  hypervisor.Regs
	Sregs hypervisor.Sregs
}

// Dump is the full snapshot coredump.Run collects.
type Dump struct {
	PID   int
	Vcpus []VcpuState
}

// Run attaches to pid just long enough to read every vCPU's registers,
// then detaches before returning, regardless of whether reading
// succeeded for every vCPU.
func Run(pid int) (*Dump, error) {
	proc, err := tracer.Attach(pid)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := proc.Detach(); err != nil {
			log.WithField("err", err).Warn("coredump: detaching tracer")
		}
	}()

	fds, err := hypervisor.Discover(pid)
	if err != nil {
		return nil, err
	}

	sockName := fmt.Sprintf("vmsh-coredump-%d", pid)

	remote := append([]int{fds.KvmFd, fds.VmFd}, fds.VcpuFds...)

	if _, err := hypervisor.DuplicateFds(proc, sockName, remote); err != nil {
		return nil, err
	}

	dump := &Dump{PID: pid}

	for i, fd := range fds.VcpuFds {
		vcpu := hypervisor.NewVcpuHandle(i, fd, proc)

		regs, err := vcpu.GetRegs()
		if err != nil {
			return dump, fmt.Errorf("reading vcpu %d registers: %w", i, err)
		}

		sregs, err := vcpu.GetSregs()
		if err != nil {
			return dump, fmt.Errorf("reading vcpu %d sregs: %w", i, err)
		}

		dump.Vcpus = append(dump.Vcpus, VcpuState{Index: i, Regs: regs, Sregs: sregs})
	}

	return dump, nil
}

// WriteTo renders the dump as a plain-text report: a header line, then
// one line per vCPU.
func (d *Dump) WriteTo(w io.Writer) (int64, error) {
	var written int64

	n, err := fmt.Fprintf(w, "coredump of pid %d: %d vcpu(s)\n", d.PID, len(d.Vcpus))
	written += int64(n)

	if err != nil {
		return written, err
	}

	for _, v := range d.Vcpus {
		n, err := fmt.Fprintf(w, "vcpu %d: rip=%#x rsp=%#x rflags=%#x cs_selector=%#x\n",
			v.Index, v.Regs.RIP, v.Regs.RSP, v.Regs.RFLAGS, v.Sregs.CS.Selector)
		written += int64(n)

		if err != nil {
			return written, err
		}
	}

	return written, nil
}
