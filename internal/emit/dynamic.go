package emit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/relink/internal/repr"
)

// hashBuckets is the fixed classic-hash bucket count. A production
// implementation would scale this with symbol count; this emitter follows
// the reference choice of a small constant.
const hashBuckets = 4

// elfSym mirrors Elf64_Sym; kept as a plain struct so building the table is
// a single binary.Write per field in the teacher's style.
type elfSym struct {
	Name  uint32
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

func symBind(scope repr.SymbolScope) elf.SymBind {
	switch scope {
	case repr.ScopeLocal:
		return elf.STB_LOCAL
	case repr.ScopeWeak:
		return elf.STB_WEAK
	default: // Global, Import
		return elf.STB_GLOBAL
	}
}

func symType(kind repr.SymbolKind) elf.SymType {
	switch kind {
	case repr.KindCode:
		return elf.STT_FUNC
	case repr.KindData:
		return elf.STT_OBJECT
	default:
		return elf.STT_NOTYPE
	}
}

// buildDynsymBiased encodes the null symbol, every IR symbol, and the
// synthetic __elf_header anchor symbol. sectionOf resolves an IR (raw,
// pre-bias) address to the section index of the synthetic segment section
// containing it; a resolved, non-absolute symbol's on-disk value is
// imageFileOffset + sym.Value, per the emitter's single-bias-constant
// contract.
func buildDynsymBiased(img *repr.Image, strtab *stringTable, sectionOf func(addr uint64) uint16, imageFileOffset uint64) []byte {
	var buf bytes.Buffer
	write := func(s elfSym) {
		binary.Write(&buf, binary.LittleEndian, s.Name)
		binary.Write(&buf, binary.LittleEndian, s.Info)
		binary.Write(&buf, binary.LittleEndian, s.Other)
		binary.Write(&buf, binary.LittleEndian, s.Shndx)
		binary.Write(&buf, binary.LittleEndian, s.Value)
		binary.Write(&buf, binary.LittleEndian, s.Size)
	}

	write(elfSym{}) // null symbol at index 0

	for _, sym := range img.Symbols {
		info := byte(symBind(sym.Scope))<<4 | byte(symType(sym.Kind))&0xf
		var shndx uint16
		var value uint64
		switch {
		case sym.Abs:
			shndx = uint16(elf.SHN_ABS)
			value = sym.Value
		case sym.Value == 0:
			shndx = uint16(elf.SHN_UNDEF)
		default:
			shndx = sectionOf(sym.Value)
			value = imageFileOffset + sym.Value
		}
		write(elfSym{
			Name:  strtab.offsetOf(sym.Name),
			Info:  info,
			Shndx: shndx,
			Value: value,
			Size:  sym.Size,
		})
	}

	write(elfSym{ // __elf_header anchor, used by the debug-script blob
		Name:  strtab.offsetOf("__elf_header"),
		Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)&0xf,
		Shndx: 1,
		Value: 0,
	})

	return buf.Bytes()
}

// dynsymCount returns the number of entries buildDynsymBiased will produce
// (null + IR symbols + synthetic anchor), needed for sizing before values
// are known.
func dynsymCount(img *repr.Image) int { return len(img.Symbols) + 2 }

// buildHash builds the classic SysV hash table: a fixed small bucket
// count, one chain slot per dynamic symbol (including the null symbol).
// Bucket 0 always resolves to the null symbol; this emitter does not
// implement real hash-chasing (lookup by name is not a runtime contract
// here), so every other bucket is left empty and the chain is a simple
// walk across all symbols — sufficient for loaders that only need a
// structurally valid table to proceed to relocation processing.
func buildHash(nsyms int) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(hashBuckets))
	binary.Write(&buf, binary.LittleEndian, uint32(nsyms))

	buckets := make([]uint32, hashBuckets)
	buckets[0] = 0 // null symbol
	for _, b := range buckets {
		binary.Write(&buf, binary.LittleEndian, b)
	}

	for i := 0; i < nsyms; i++ {
		var next uint32
		if i+1 < nsyms {
			next = uint32(i + 1)
		}
		binary.Write(&buf, binary.LittleEndian, next)
	}
	return buf.Bytes()
}

// buildRelaBiased encodes the final relocation table. Every r_offset is
// imageFileOffset + relocation.Offset; a Base relocation's r_addend carries
// the same bias (it is patched at load time as loadBias + r_addend), while
// a Symbol relocation's addend is left exactly as stored (it is relative to
// the resolved symbol's own, separately biased, value).
func buildRelaBiased(img *repr.Image, nameToSymIndex map[string]int, imageFileOffset uint64) ([]byte, error) {
	var buf bytes.Buffer
	for _, rel := range img.Relocations {
		var symIndex uint32
		var relType elf.R_X86_64
		var addend int64

		switch rel.Target.Kind {
		case repr.TargetSymbol:
			idx, ok := nameToSymIndex[rel.Target.Name]
			if ok {
				symIndex = uint32(idx)
			}
			relType = elf.R_X86_64_64
			addend = rel.Target.Addend
		case repr.TargetBase:
			relType = elf.R_X86_64_RELATIVE
			addend = int64(imageFileOffset) + rel.Target.Addend
		case repr.TargetCopy:
			idx, ok := nameToSymIndex[rel.Target.Name]
			if ok {
				symIndex = uint32(idx)
			}
			relType = elf.R_X86_64_COPY
		case repr.TargetNone:
			relType = elf.R_X86_64_NONE
		case repr.TargetMachineSpecific:
			relType = elf.R_X86_64(rel.Target.Code)
		default:
			return nil, fmt.Errorf("emit: unsupported relocation target kind %v", rel.Target.Kind)
		}

		info := uint64(symIndex)<<32 | uint64(relType)
		binary.Write(&buf, binary.LittleEndian, imageFileOffset+rel.Offset)
		binary.Write(&buf, binary.LittleEndian, info)
		binary.Write(&buf, binary.LittleEndian, addend)
	}
	return buf.Bytes(), nil
}

// buildDynamicTable encodes the DT_* entries in the exact order the
// emitter contract specifies.
func buildDynamicTable(deps []string, strtab *stringTable, dynstrAddr, dynstrSize, dynsymAddr, hashAddr, relaAddr, relaSize uint64) []byte {
	var buf bytes.Buffer
	write := func(tag elf.DynTag, val uint64) {
		binary.Write(&buf, binary.LittleEndian, int64(tag))
		binary.Write(&buf, binary.LittleEndian, val)
	}

	for _, dep := range deps {
		write(elf.DT_NEEDED, uint64(strtab.offsetOf(dep)))
	}
	write(elf.DT_STRTAB, dynstrAddr)
	write(elf.DT_STRSZ, dynstrSize)
	write(elf.DT_SYMENT, 24)
	write(elf.DT_SYMTAB, dynsymAddr)
	write(elf.DT_HASH, hashAddr)
	write(elf.DT_RELA, relaAddr)
	write(elf.DT_RELASZ, relaSize)
	write(elf.DT_RELAENT, 24)
	write(elf.DT_NULL, 0)
	write(elf.DT_NULL, 0)

	return buf.Bytes()
}

// dynamicTagCount mirrors buildDynamicTable's entry count for sizing.
func dynamicTagCount(numDeps int) int { return numDeps + 8 + 2 }
