package coredump

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Mic92/vmsh/hypervisor"
)

func TestWriteToRendersEachVcpu(t *testing.T) {
	t.Parallel()

	dump := &Dump{
		PID: 4242,
		Vcpus: []VcpuState{
			{Index: 0, Regs: hypervisor.Regs{RIP: 0x1000, RSP: 0x2000, RFLAGS: 0x202}},
			{Index: 1, Regs: hypervisor.Regs{RIP: 0x3000, RSP: 0x4000, RFLAGS: 0x206}},
		},
	}

	var buf bytes.Buffer

	if _, err := dump.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	out := buf.String()

	if !strings.Contains(out, "coredump of pid 4242: 2 vcpu(s)") {
		t.Fatalf("missing header, got %q", out)
	}

	if !strings.Contains(out, "vcpu 0: rip=0x1000") {
		t.Fatalf("missing vcpu 0 line, got %q", out)
	}

	if !strings.Contains(out, "vcpu 1: rip=0x3000") {
		t.Fatalf("missing vcpu 1 line, got %q", out)
	}
}
