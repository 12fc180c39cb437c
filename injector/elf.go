package injector

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// LoadedBlob is a stage1 ELF64 freestanding payload laid out as one
// contiguous image: every PT_LOAD segment copied to its
// virtual-address offset relative to the lowest segment's vaddr, with
// R_RELATIVE/R_GLOB_DAT relocations already resolved against LoadBase
// (that lowest vaddr). The image is not relocated again when it is
// placed at a different address. Grounded on the original's
// loader.rs ElfLoader::allocate/load/relocate sequence, using the
// standard library's debug/elf instead of the Rust elfloader/xmas_elf
// crates since no example repo in the pack carries a third-party ELF
// library to adopt instead.
type LoadedBlob struct {
	Image       []byte
	EntryOffset uint64
	LoadBase    uint64
}

// ParseELF loads a freestanding ELF64 stage1 blob and resolves its
// _init_vmsh entrypoint, per spec.md §6's "Stage1 payload: ELF64
// freestanding, entrypoint _init_vmsh".
func ParseELF(data []byte) (*LoadedBlob, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing stage1 ELF: %v", vmerr.ErrInvariantViolated, err)
	}

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: stage1 blob is not a freestanding ELF64 x86-64 image", vmerr.ErrInvariantViolated)
	}

	var loBase, hiEnd uint64

	first := true

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		end := prog.Vaddr + prog.Memsz

		if first || prog.Vaddr < loBase {
			loBase = prog.Vaddr
		}

		if end > hiEnd {
			hiEnd = end
		}

		first = false
	}

	if first {
		return nil, fmt.Errorf("%w: stage1 blob has no PT_LOAD segments", vmerr.ErrInvariantViolated)
	}

	image := make([]byte, hiEnd-loBase)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("%w: reading PT_LOAD segment: %v", vmerr.ErrInvariantViolated, err)
		}

		copy(image[prog.Vaddr-loBase:], data)
	}

	if err := applyRelocations(f, image, loBase); err != nil {
		return nil, err
	}

	entrySym, err := findEntry(f)
	if err != nil {
		return nil, err
	}

	return &LoadedBlob{
		Image:       image,
		EntryOffset: entrySym - loBase,
		LoadBase:    loBase,
	}, nil
}

func findEntry(f *elf.File) (uint64, error) {
	syms, err := f.Symbols()
	if err == nil {
		for _, s := range syms {
			if s.Name == "_init_vmsh" {
				return s.Value, nil
			}
		}
	}

	dynSyms, err := f.DynamicSymbols()
	if err == nil {
		for _, s := range dynSyms {
			if s.Name == "_init_vmsh" {
				return s.Value, nil
			}
		}
	}

	if f.Entry != 0 {
		return f.Entry, nil
	}

	return 0, fmt.Errorf("%w: stage1 blob has no _init_vmsh symbol and no ELF entry point", vmerr.ErrInvariantViolated)
}

// applyRelocations handles the two relocation types the original's
// loader.rs handles: R_RELATIVE (add the load base to the addend) and
// R_GLOB_DAT against weak symbols (left as a no-op, matching the
// original's observation that the kernel's own weak symbols in
// stage1 are unused and safe to ignore). Any other relocation type
// makes the blob unusable as a freestanding payload.
func applyRelocations(f *elf.File, image []byte, loBase uint64) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		for off := 0; off+24 <= len(data); off += 24 {
			r_offset := binary.LittleEndian.Uint64(data[off:])
			r_info := binary.LittleEndian.Uint64(data[off+8:])
			r_addend := binary.LittleEndian.Uint64(data[off+16:])

			typ := elf.R_X86_64(r_info & 0xffffffff)

			switch typ {
			case elf.R_X86_64_RELATIVE:
				if r_offset < loBase || r_offset-loBase+8 > uint64(len(image)) {
					return fmt.Errorf("%w: R_RELATIVE target out of range", vmerr.ErrInvariantViolated)
				}

				binary.LittleEndian.PutUint64(image[r_offset-loBase:], loBase+r_addend)
			case elf.R_X86_64_GLOB_DAT:
				continue
			default:
				return fmt.Errorf("%w: unsupported stage1 relocation type %v", vmerr.ErrInvariantViolated, typ)
			}
		}
	}

	return nil
}
