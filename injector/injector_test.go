package injector

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestStage1ArgsMarshalLayout(t *testing.T) {
	t.Parallel()

	args := Stage1Args{
		DeviceAddrs:  [MaxDevices]uint64{0x1000, 0x2000, 0x3000},
		ReturnIP:     0xffffffff81000123,
		DeviceStatus: DeviceInitializing,
		DriverStatus: DeviceUndefined,
	}
	args.Argv[0] = 0x4000

	buf := args.marshal()

	if len(buf) != stage1ArgsSize {
		t.Fatalf("marshal length = %d, want %d", len(buf), stage1ArgsSize)
	}

	if got := binary.LittleEndian.Uint64(buf[0:8]); got != 0x1000 {
		t.Fatalf("DeviceAddrs[0] = %#x, want 0x1000", got)
	}

	if got := binary.LittleEndian.Uint64(buf[8*MaxDevices:]); got != 0x4000 {
		t.Fatalf("Argv[0] = %#x, want 0x4000", got)
	}

	returnIPOff := MaxDevices*8 + MaxArgv*8

	if got := binary.LittleEndian.Uint64(buf[returnIPOff:]); got != 0xffffffff81000123 {
		t.Fatalf("ReturnIP = %#x, want 0xffffffff81000123", got)
	}

	if got := DeviceState(binary.LittleEndian.Uint32(buf[deviceStatusOffset:])); got != DeviceInitializing {
		t.Fatalf("DeviceStatus = %v, want DeviceInitializing", got)
	}

	if got := DeviceState(binary.LittleEndian.Uint32(buf[driverStatusOffset:])); got != DeviceUndefined {
		t.Fatalf("DriverStatus = %v, want DeviceUndefined", got)
	}
}

func TestDirectMappedAllocatorAddsBase(t *testing.T) {
	t.Parallel()

	a := &DirectMappedAllocator{GPABase: 0x10_0000, Base: 0xffff_8800_0000_0000}

	gpa, gva, err := a.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if gpa != 0x10_0000 {
		t.Fatalf("gpa = %#x, want %#x", gpa, 0x10_0000)
	}

	if gva != 0xffff_8800_0010_0000 {
		t.Fatalf("gva = %#x, want %#x", gva, uint64(0xffff_8800_0010_0000))
	}
}

func TestDirectMappedAllocatorAdvancesPastPriorAllocations(t *testing.T) {
	t.Parallel()

	a := &DirectMappedAllocator{GPABase: 0x10_0000, Base: 0x1000_0000}

	gpa1, _, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	gpa2, _, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if gpa2 == gpa1 {
		t.Fatalf("second allocation aliases the first at %#x", gpa1)
	}

	if gpa2 != gpa1+allocatorAlignment {
		t.Fatalf("gpa2 = %#x, want %#x", gpa2, gpa1+allocatorAlignment)
	}
}

func TestPackArgvRejectsTooMany(t *testing.T) {
	t.Parallel()

	argv := make([]string, MaxArgv+1)
	for i := range argv {
		argv[i] = "x"
	}

	if _, _, err := packArgv(argv, 0x1000); err == nil {
		t.Fatal("expected packArgv to reject more than MaxArgv entries")
	}
}

func TestPackArgvLaysOutPointersAndBytes(t *testing.T) {
	t.Parallel()

	ptrs, blob, err := packArgv([]string{"init", "console=ttyS0"}, 0x2000)
	if err != nil {
		t.Fatalf("packArgv: %v", err)
	}

	if ptrs[0] != 0x2000 {
		t.Fatalf("ptrs[0] = %#x, want 0x2000", ptrs[0])
	}

	wantSecond := uint64(0x2000 + len("init") + 1)
	if ptrs[1] != wantSecond {
		t.Fatalf("ptrs[1] = %#x, want %#x", ptrs[1], wantSecond)
	}

	want := append(append([]byte("init"), 0), append([]byte("console=ttyS0"), 0)...)
	if !bytes.Equal(blob, want) {
		t.Fatalf("blob = %q, want %q", blob, want)
	}
}

// buildMinimalELF assembles the smallest ELF64 x86-64 executable that
// ParseELF accepts: one PT_LOAD segment and no section headers or
// symbol table, so _init_vmsh resolves to the ELF header's entry field.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	const vaddr = 0x1000

	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret

	var buf bytes.Buffer

	ehsize := 64
	phsize := 56
	phoff := ehsize
	dataOff := phoff + phsize

	ident := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Entry:     vaddr + 1,
		Phoff:     uint64(phoff),
		Shoff:     0,
		Ehsize:    uint16(ehsize),
		Phentsize: uint16(phsize),
		Phnum:     1,
		Shentsize: 0,
		Shnum:     0,
	}

	if err := binary.Write(&buf, binary.LittleEndian, ident); err != nil {
		t.Fatalf("writing ELF header: %v", err)
	}

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    uint64(dataOff),
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(code)),
		Memsz:  uint64(len(code)),
		Align:  0x1000,
	}

	if err := binary.Write(&buf, binary.LittleEndian, ph); err != nil {
		t.Fatalf("writing program header: %v", err)
	}

	buf.Write(code)

	return buf.Bytes()
}

func TestParseELFFallsBackToEntryWithoutSymtab(t *testing.T) {
	t.Parallel()

	blob, err := ParseELF(buildMinimalELF(t))
	if err != nil {
		t.Fatalf("ParseELF: %v", err)
	}

	if blob.LoadBase != 0x1000 {
		t.Fatalf("LoadBase = %#x, want 0x1000", blob.LoadBase)
	}

	if blob.EntryOffset != 1 {
		t.Fatalf("EntryOffset = %d, want 1 (entry is one byte into the segment)", blob.EntryOffset)
	}

	if len(blob.Image) != 3 {
		t.Fatalf("Image length = %d, want 3", len(blob.Image))
	}
}

func TestParseELFRejectsNonELF(t *testing.T) {
	t.Parallel()

	if _, err := ParseELF([]byte("not an elf file at all")); err == nil {
		t.Fatal("expected ParseELF to reject garbage input")
	}
}
