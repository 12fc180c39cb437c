package virtio

import (
	"bytes"
	"testing"
)

type bufConsoleBackend struct {
	bytes.Buffer
}

func (b *bufConsoleBackend) Read(p []byte) (int, error)  { return b.Buffer.Read(p) }
func (b *bufConsoleBackend) Write(p []byte) (int, error) { return b.Buffer.Write(p) }

func TestConsoleDrainTXWritesToBackend(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	backend := &bufConsoleBackend{}
	console := NewConsole(backend)

	if err := mem.Write(0x4000, []byte("ping")); err != nil {
		t.Fatalf("writing tx payload: %v", err)
	}

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 4})
	pushAvail(t, mem, q, 0)

	if err := console.drainTX(q, &fakeIRQ{}); err != nil {
		t.Fatalf("drainTX: %v", err)
	}

	if backend.String() != "ping" {
		t.Fatalf("backend received %q, want %q", backend.String(), "ping")
	}
}

func TestConsolePumpRXFillsGuestBuffer(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t)

	console := NewConsole(&bufConsoleBackend{})
	if err := console.FeedFromBackend([]byte("pong")); err != nil {
		t.Fatalf("FeedFromBackend: %v", err)
	}

	writeDesc(t, mem, q.DescGPA, Desc{Addr: 0x4000, Len: 16, Flags: descFlagWrite})
	pushAvail(t, mem, q, 0)

	irq := &fakeIRQ{}

	if err := console.PumpRX(q, irq); err != nil {
		t.Fatalf("PumpRX: %v", err)
	}

	if irq.n != 1 {
		t.Fatalf("irq injections = %d, want 1", irq.n)
	}

	got, err := mem.Read(0x4000, 4)
	if err != nil {
		t.Fatalf("reading guest buffer: %v", err)
	}

	if !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("guest buffer = %q, want %q", got, "pong")
	}
}

func TestConsoleBackpressureDropsOldestBytes(t *testing.T) {
	t.Parallel()

	console := NewConsole(&bufConsoleBackend{})

	big := bytes.Repeat([]byte("x"), rxBackpressureCap+100)
	if err := console.FeedFromBackend(big); err != nil {
		t.Fatalf("FeedFromBackend: %v", err)
	}

	if console.Dropped() != 100 {
		t.Fatalf("Dropped() = %d, want 100", console.Dropped())
	}

	if len(console.rxBuf) != rxBackpressureCap {
		t.Fatalf("rxBuf length = %d, want %d", len(console.rxBuf), rxBackpressureCap)
	}
}
