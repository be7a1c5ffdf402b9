// Package parse lifts an on-disk ELF byte buffer into a repr.Image,
// tolerating only the subset of the format described by the merger's data
// model: it normalizes relocation dialects, decodes RELR-compressed
// relocations, and extracts init/fini arrays, a TLS template, dependency
// names, and the interpreter kind. Any other construct fails with a
// descriptive error rather than being silently dropped.
package parse

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/relink/internal/diag"
	"github.com/xyproto/relink/internal/repr"
)

// Image parses raw into a repr.Image. soname, if non-empty, seeds the
// image's Names list (used later by the merger's self-dependency and
// _init/_fini rules). collector, which may be nil, receives parse-stage
// notices (currently: RELR-decode summaries).
func Image(raw []byte, soname string, collector *diag.Collector) (*repr.Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("parse: only 64-bit little-endian objects are supported (got class=%v data=%v)", f.Class, f.Data)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("parse: unsupported machine %v (only the 64-bit little-endian reference machine is implemented)", f.Machine)
	}

	img := &repr.Image{
		Machine: uint16(f.Machine),
		Entry:   f.Entry,
	}
	if soname != "" {
		img.Names = append(img.Names, soname)
	}

	addrToFileOff, err := liftSegments(f, img)
	if err != nil {
		return nil, err
	}

	if err := liftTLS(f, img); err != nil {
		return nil, err
	}

	nameBySymIndex, err := liftSymbols(f, img)
	if err != nil {
		return nil, err
	}

	dyn, err := readDynamicTags(f)
	if err != nil {
		return nil, err
	}

	if err := liftRelocations(f, img, dyn, nameBySymIndex, raw, addrToFileOff, collector); err != nil {
		return nil, err
	}

	liftInitFini(img, dyn, raw, addrToFileOff)

	for _, lib := range dyn.needed {
		img.Dependencies = append(img.Dependencies, lib)
	}

	if err := inferInterpreter(f, img); err != nil {
		return nil, err
	}

	return img, nil
}

// liftSegments maps every PT_LOAD program header to a repr.LoadSegment and
// returns a function mapping a virtual address to a file offset via the
// containing segment (mirroring the original's addend_to_unmap_at helper).
func liftSegments(f *elf.File, img *repr.Image) (func(vaddr uint64) (uint64, bool), error) {
	type span struct{ vaddr, fileOff, memsz, filesz uint64 }
	var spans []span

	var maxAlign uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		mode, err := loadMode(prog.Flags)
		if err != nil {
			return nil, err
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("parse: reading PT_LOAD data: %w", err)
		}
		img.Segments = append(img.Segments, &repr.LoadSegment{
			Addr: prog.Vaddr,
			Size: prog.Memsz,
			Data: data,
			Mode: mode,
		})
		spans = append(spans, span{prog.Vaddr, prog.Off, prog.Memsz, prog.Filesz})
		if prog.Align > maxAlign {
			maxAlign = prog.Align
		}
	}
	if maxAlign == 0 {
		maxAlign = 0x1000
	}
	img.Alignment = maxAlign

	return func(vaddr uint64) (uint64, bool) {
		for _, s := range spans {
			if vaddr >= s.vaddr && vaddr < s.vaddr+s.memsz {
				return s.fileOff + (vaddr - s.vaddr), true
			}
		}
		return 0, false
	}, nil
}

func loadMode(flags elf.ProgFlag) (repr.LoadMode, error) {
	switch flags {
	case elf.PF_R:
		return repr.ReadOnly, nil
	case elf.PF_R | elf.PF_W:
		return repr.ReadWrite, nil
	case elf.PF_R | elf.PF_X:
		return repr.ReadExecute, nil
	default:
		return 0, fmt.Errorf("parse: unsupported PT_LOAD flag combination %v", flags)
	}
}

func liftTLS(f *elf.File, img *repr.Image) error {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_TLS {
			continue
		}
		buf := make([]byte, prog.Memsz)
		if _, err := prog.ReadAt(buf[:prog.Filesz], 0); err != nil {
			return fmt.Errorf("parse: reading PT_TLS data: %w", err)
		}
		img.TLS = buf
		return nil
	}
	return nil
}

// liftSymbols lifts the dynamic symbol table. It returns a map from symbol
// table index to name, used later to resolve relocation symbol references.
func liftSymbols(f *elf.File, img *repr.Image) (map[int]string, error) {
	syms, err := f.DynamicSymbols()
	nameBySymIndex := map[int]string{0: ""}
	if err != nil {
		// A file with no dynamic symbol table at all (e.g. a pure shim) is
		// valid; nothing to lift.
		return nameBySymIndex, nil
	}

	for i, sym := range syms {
		index := i + 1 // index 0 is the null symbol, already skipped by DynamicSymbols
		nameBySymIndex[index] = sym.Name

		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
			// lifted below
		case elf.STT_TLS:
			return nil, fmt.Errorf("parse: STT_TLS symbol %q not supported", sym.Name)
		default:
			continue // other types are skipped, not an error
		}

		if sym.Section == elf.SHN_COMMON {
			return nil, fmt.Errorf("parse: common symbol %q not supported", sym.Name)
		}

		kind := repr.KindUnknown
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			kind = repr.KindCode
		case elf.STT_OBJECT:
			kind = repr.KindData
		}

		scope, err := symbolScope(sym)
		if err != nil {
			return nil, fmt.Errorf("parse: symbol %q: %w", sym.Name, err)
		}

		value := sym.Value
		if scope == repr.ScopeImport {
			value = 0
		}

		img.Symbols = append(img.Symbols, &repr.Symbol{
			Name:  sym.Name,
			Kind:  kind,
			Scope: scope,
			Value: value,
			Size:  sym.Size,
			Abs:   sym.Section == elf.SHN_ABS,
		})
	}
	return nameBySymIndex, nil
}

func symbolScope(sym elf.Symbol) (repr.SymbolScope, error) {
	bind := elf.ST_BIND(sym.Info)
	defined := sym.Section != elf.SHN_UNDEF
	switch bind {
	case elf.STB_GLOBAL:
		if defined {
			return repr.ScopeGlobal, nil
		}
		return repr.ScopeImport, nil
	case elf.STB_WEAK:
		return repr.ScopeWeak, nil
	case elf.STB_LOCAL:
		return repr.ScopeLocal, nil
	default:
		return 0, fmt.Errorf("unsupported symbol bind %v", bind)
	}
}

type dynamicTags struct {
	needed               []string
	relaOff, relaSize    uint64
	pltRelaOff, pltSize  uint64
	hasPltRela           bool
	relrOff, relrSize    uint64
	hasRelr              bool
	initAddr, finiAddr   uint64
	hasInit, hasFini     bool
	initArrOff, initArrN uint64
	finiArrOff, finiArrN uint64
}

func readDynamicTags(f *elf.File) (*dynamicTags, error) {
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil && f.Section(".dynamic") != nil {
		return nil, fmt.Errorf("parse: reading DT_NEEDED: %w", err)
	}

	raw, err := dynamicTable(f)
	if err != nil {
		return nil, err
	}

	dyn := &dynamicTags{needed: needed}
	var pltRelType int64
	for _, ent := range raw {
		switch elf.DynTag(ent.tag) {
		case elf.DT_RELA:
			dyn.relaOff = ent.val
		case elf.DT_RELASZ:
			dyn.relaSize = ent.val
		case elf.DT_JMPREL:
			dyn.pltRelaOff = ent.val
			dyn.hasPltRela = true
		case elf.DT_PLTRELSZ:
			dyn.pltSize = ent.val
		case elf.DT_PLTREL:
			pltRelType = int64(ent.val)
		case dtRelr:
			dyn.relrOff = ent.val
			dyn.hasRelr = true
		case dtRelrSz:
			dyn.relrSize = ent.val
		case elf.DT_INIT:
			dyn.initAddr = ent.val
			dyn.hasInit = true
		case elf.DT_FINI:
			dyn.finiAddr = ent.val
			dyn.hasFini = true
		case elf.DT_INIT_ARRAY:
			dyn.initArrOff = ent.val
		case elf.DT_INIT_ARRAYSZ:
			dyn.initArrN = ent.val / 8
		case elf.DT_FINI_ARRAY:
			dyn.finiArrOff = ent.val
		case elf.DT_FINI_ARRAYSZ:
			dyn.finiArrN = ent.val / 8
		}
	}
	if dyn.hasPltRela && pltRelType != int64(elf.DT_RELA) {
		return nil, fmt.Errorf("parse: DT_PLTREL must be DT_RELA for the reference machine")
	}
	return dyn, nil
}

type dynEnt struct{ tag, val uint64 }

// DT_RELR/DT_RELRSZ are not yet exposed as named constants in every
// debug/elf release this module targets; defined locally to keep the RELR
// path portable.
const (
	dtRelr   = 36
	dtRelrSz = 35
)

func dynamicTable(f *elf.File) ([]dynEnt, error) {
	sect := f.Section(".dynamic")
	if sect == nil {
		return nil, nil
	}
	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("parse: reading .dynamic: %w", err)
	}
	var out []dynEnt
	for off := 0; off+16 <= len(data); off += 16 {
		tag := binary.LittleEndian.Uint64(data[off:])
		val := binary.LittleEndian.Uint64(data[off+8:])
		if tag == 0 { // DT_NULL
			break
		}
		out = append(out, dynEnt{tag, val})
	}
	return out, nil
}

func liftRelocations(f *elf.File, img *repr.Image, dyn *dynamicTags, nameBySymIndex map[int]string, raw []byte, addrToFileOff func(uint64) (uint64, bool), collector *diag.Collector) error {
	// 1. RELR, 2. general (.rela.dyn), 3. PLT (.rela.plt) — exact order per
	// the data model; every relocation is independent so no further
	// ordering is required downstream.
	if dyn.hasRelr {
		relrData, err := sliceAt(f, dyn.relrOff, dyn.relrSize, raw)
		if err != nil {
			return fmt.Errorf("parse: reading RELR stream: %w", err)
		}
		relocs, err := decodeRELR(relrData, raw, addrToFileOff, collector)
		if err != nil {
			return err
		}
		img.Relocations = append(img.Relocations, relocs...)
	}

	if dyn.relaSize > 0 {
		data, err := sliceAt(f, dyn.relaOff, dyn.relaSize, raw)
		if err != nil {
			return fmt.Errorf("parse: reading .rela.dyn: %w", err)
		}
		relocs, err := decodeRela(data, nameBySymIndex)
		if err != nil {
			return err
		}
		img.Relocations = append(img.Relocations, relocs...)
	}

	if dyn.hasPltRela && dyn.pltSize > 0 {
		data, err := sliceAt(f, dyn.pltRelaOff, dyn.pltSize, raw)
		if err != nil {
			return fmt.Errorf("parse: reading .rela.plt: %w", err)
		}
		relocs, err := decodeRela(data, nameBySymIndex)
		if err != nil {
			return err
		}
		img.Relocations = append(img.Relocations, relocs...)
	}

	return nil
}

// sliceAt reads size bytes of the virtual address range starting at
// vaddr, via whichever PT_LOAD segment contains it.
func sliceAt(f *elf.File, vaddr, size uint64, raw []byte) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= prog.Vaddr && vaddr+size <= prog.Vaddr+prog.Filesz {
			fileOff := prog.Off + (vaddr - prog.Vaddr)
			if fileOff+size > uint64(len(raw)) {
				return nil, fmt.Errorf("range [0x%x,0x%x) exceeds file size", fileOff, fileOff+size)
			}
			return raw[fileOff : fileOff+size], nil
		}
	}
	return nil, fmt.Errorf("virtual address 0x%x not covered by any PT_LOAD segment", vaddr)
}

func decodeRela(data []byte, nameBySymIndex map[int]string) ([]*repr.Relocation, error) {
	var out []*repr.Relocation
	for off := 0; off+24 <= len(data); off += 24 {
		offset := binary.LittleEndian.Uint64(data[off:])
		info := binary.LittleEndian.Uint64(data[off+8:])
		addend := int64(binary.LittleEndian.Uint64(data[off+16:]))
		symIndex := int(info >> 32)
		relType := elf.R_X86_64(info & 0xffffffff)

		var target repr.RelocationTarget
		switch relType {
		case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			target = repr.RelocationTarget{Kind: repr.TargetSymbol, Name: nameBySymIndex[symIndex], Addend: addend}
		case elf.R_X86_64_RELATIVE:
			if symIndex != 0 {
				return nil, fmt.Errorf("parse: R_X86_64_RELATIVE with non-zero symbol index")
			}
			target = repr.RelocationTarget{Kind: repr.TargetBase, Addend: addend}
		case elf.R_X86_64_COPY:
			target = repr.RelocationTarget{Kind: repr.TargetCopy, Name: nameBySymIndex[symIndex]}
		case elf.R_X86_64_DTPMOD64:
			if symIndex != 0 || addend != 0 {
				return nil, fmt.Errorf("parse: R_X86_64_DTPMOD64 must have zero symbol and addend")
			}
			target = repr.RelocationTarget{Kind: repr.TargetMachineSpecific, Code: uint32(relType)}
		default:
			return nil, fmt.Errorf("parse: unsupported relocation type %d", relType)
		}

		out = append(out, &repr.Relocation{Offset: offset, Target: target})
	}
	return out, nil
}

func liftInitFini(img *repr.Image, dyn *dynamicTags, raw []byte, addrToFileOff func(uint64) (uint64, bool)) {
	if dyn.hasInit {
		img.Initializers = append(img.Initializers, dyn.initAddr)
	}
	img.Initializers = append(img.Initializers, readAddrArray(raw, addrToFileOff, dyn.initArrOff, dyn.initArrN)...)

	img.Finalizers = append(img.Finalizers, readAddrArray(raw, addrToFileOff, dyn.finiArrOff, dyn.finiArrN)...)
	if dyn.hasFini {
		img.Finalizers = append(img.Finalizers, dyn.finiAddr)
	}
}

func readAddrArray(raw []byte, addrToFileOff func(uint64) (uint64, bool), vaddr, count uint64) []uint64 {
	if count == 0 {
		return nil
	}
	fileOff, ok := addrToFileOff(vaddr)
	if !ok {
		return nil
	}
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		off := fileOff + i*8
		if off+8 > uint64(len(raw)) {
			break
		}
		out = append(out, binary.LittleEndian.Uint64(raw[off:]))
	}
	return out
}

func inferInterpreter(f *elf.File, img *repr.Image) error {
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil {
				return fmt.Errorf("parse: reading PT_INTERP: %w", err)
			}
			path := string(bytes.TrimRight(data, "\x00"))
			img.Interpreter = repr.Interpreter{Kind: repr.InterpExternal, Path: path}
			return nil
		}
	}

	if f.Entry != 0 {
		segCount := 0
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD {
				segCount++
			}
		}
		img.Interpreter = repr.Interpreter{Kind: repr.InterpInternal, Base: 0, Entry: f.Entry, SegmentCount: segCount}
		return nil
	}

	img.Interpreter = repr.Interpreter{Kind: repr.InterpAbsent}
	return nil
}
