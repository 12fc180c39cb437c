package mmiotrap

import "testing"

func TestRangeContains(t *testing.T) {
	t.Parallel()

	r := Range{Base: 0xd0000000, Length: 0x1000}

	if !r.Contains(0xd0000000) {
		t.Fatal("range should contain its own base")
	}

	if !r.Contains(0xd0000fff) {
		t.Fatal("range should contain its last byte")
	}

	if r.Contains(0xd0001000) {
		t.Fatal("range should not contain the byte just past its end")
	}
}

func TestRangeOverlaps(t *testing.T) {
	t.Parallel()

	a := Range{Base: 0x1000, Length: 0x1000}
	b := Range{Base: 0x1800, Length: 0x1000}
	c := Range{Base: 0x3000, Length: 0x1000}

	if !a.Overlaps(b) {
		t.Fatal("a and b overlap")
	}

	if a.Overlaps(c) {
		t.Fatal("a and c do not overlap")
	}
}

func TestMmioEventAckReadRejectsWrite(t *testing.T) {
	t.Parallel()

	ev := MmioEvent{Direction: DirWrite}

	if err := ev.AckRead(1); err == nil {
		t.Fatal("AckRead on a write event should fail")
	}
}

func TestMmioEventAckReadDeliversValue(t *testing.T) {
	t.Parallel()

	ack := make(chan uint64, 1)
	ev := MmioEvent{Direction: DirRead, ack: ack}

	if err := ev.AckRead(0x42); err != nil {
		t.Fatalf("AckRead: %v", err)
	}

	if got := <-ack; got != 0x42 {
		t.Fatalf("ack channel got %#x, want 0x42", got)
	}
}

func TestLittleEndianRoundTrip(t *testing.T) {
	t.Parallel()

	for _, length := range []int{1, 2, 4, 8} {
		buf := make([]byte, 8)
		putLittleEndianValue(buf, length, 0x1122334455667788)

		got := littleEndianValue(buf, length)
		want := uint64(0x1122334455667788) & (1<<(8*length) - 1)

		if length == 8 {
			want = 0x1122334455667788
		}

		if got != want {
			t.Fatalf("length %d: got %#x, want %#x", length, got, want)
		}
	}
}
