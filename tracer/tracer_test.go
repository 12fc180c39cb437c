package tracer_test

import (
	"bytes"
	"os/exec"
	"syscall"
	"testing"

	"github.com/Mic92/vmsh/internal/testutil"
	"github.com/Mic92/vmsh/tracer"
)

// spawnSleeper starts a long-lived child we can safely attach to and
// kill at the end of the test.
func spawnSleeper(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn sleep(1): %v", err)
	}

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	return cmd
}

func TestAttachDetach(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if p.Pid() != cmd.Process.Pid {
		t.Fatalf("Pid() = %d, want %d", p.Pid(), cmd.Process.Pid)
	}

	if len(p.Threads()) == 0 {
		t.Fatal("Threads() returned no threads")
	}

	if err := p.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestRemoteSyscallGetpid(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	ret, err := p.RemoteSyscall(syscall.SYS_GETPID)
	if err != nil {
		t.Fatalf("RemoteSyscall(getpid): %v", err)
	}

	if int(ret) != cmd.Process.Pid {
		t.Fatalf("getpid() in target = %d, want %d", ret, cmd.Process.Pid)
	}
}

func TestDisownAdoptFromAnotherGoroutine(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	if err := p.Disown(); err != nil {
		t.Fatalf("Disown: %v", err)
	}

	done := make(chan error, 1)

	go func() {
		done <- p.Adopt()
	}()

	if err := <-done; err != nil {
		t.Fatalf("Adopt from other goroutine: %v", err)
	}

	ret, err := p.RemoteSyscall(syscall.SYS_GETPID)
	if err != nil {
		t.Fatalf("RemoteSyscall after re-adopt: %v", err)
	}

	if int(ret) != cmd.Process.Pid {
		t.Fatalf("getpid() = %d, want %d", ret, cmd.Process.Pid)
	}
}

func TestScratchIsReusedAndWritable(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	addr1, err := p.Scratch()
	if err != nil {
		t.Fatalf("Scratch: %v", err)
	}

	addr2, err := p.Scratch()
	if err != nil {
		t.Fatalf("second Scratch: %v", err)
	}

	if addr1 != addr2 {
		t.Fatalf("Scratch returned %#x then %#x, want the same page both times", addr1, addr2)
	}

	want := []byte("vmsh-scratch-test")
	if err := p.WriteMem(addr1, want); err != nil {
		t.Fatalf("WriteMem into scratch page: %v", err)
	}

	got, err := p.ReadMem(addr1, len(want))
	if err != nil {
		t.Fatalf("ReadMem from scratch page: %v", err)
	}

	if string(got) != string(want) {
		t.Fatalf("scratch page roundtrip = %q, want %q", got, want)
	}
}

func TestRemoteMmapMunmap(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	addr, err := p.RemoteMmap(4096, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("RemoteMmap: %v", err)
	}

	if addr == 0 {
		t.Fatal("RemoteMmap returned a nil address")
	}

	if err := p.RemoteMunmap(addr, 4096); err != nil {
		t.Fatalf("RemoteMunmap: %v", err)
	}
}

func TestAttachNoSuchProcess(t *testing.T) {
	testutil.RequireRoot(t)

	_, err := tracer.Attach(1 << 30)
	if err == nil {
		t.Fatal("Attach on nonexistent pid: expected error, got nil")
	}
}

func TestReadWriteMem(t *testing.T) {
	testutil.RequireRoot(t)

	cmd := spawnSleeper(t)

	p, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	addr := p.MainThread()
	if addr == nil {
		t.Fatal("MainThread() returned nil")
	}

	// Read a handful of bytes at the saved instruction pointer; the
	// syscall stub init() wrote must be visible at that address.
	buf, err := p.ReadMem(p.SyscallStubAddr, 3)
	if err != nil {
		t.Fatalf("ReadMem at syscall stub: %v", err)
	}

	if want := []byte{0x0f, 0x05, 0xcc}; !bytes.Equal(buf, want) {
		t.Fatalf("stub bytes = %x, want %x (syscall; int3)", buf, want)
	}

	// Writing the same bytes back must succeed and leave them intact.
	if err := p.WriteMem(p.SyscallStubAddr, buf); err != nil {
		t.Fatalf("WriteMem at syscall stub: %v", err)
	}

	again, err := p.ReadMem(p.SyscallStubAddr, 3)
	if err != nil || !bytes.Equal(again, buf) {
		t.Fatalf("ReadMem after WriteMem = %x, err=%v; want %x", again, err, buf)
	}
}
