// Package emit lays out and serializes a repr.Image back into ELF bytes: a
// file header, program headers, the dynamic table family (dynstr, dynsym,
// hash, rela), diagnostic section headers, the image's load segments, and
// (when the image embeds a loader) a position-independent interpreter shim.
//
// The emitter uses a two-pass "reserve then write" protocol: Layout
// computes every structure's file offset and length without touching a
// byte buffer, then Emit allocates a single buffer sized to the final
// layout and writes each structure at its reserved offset. A post-condition
// asserts that the bytes actually written account for the full reserved
// length.
package emit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/relink/internal/repr"
	"github.com/xyproto/relink/internal/shim"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// DefaultInterpPath is the platform's standard dynamic-loader path, written
// as PT_INTERP whenever the merged image's interpreter is External. The
// merger never carries an original interpreter path through to emission
// verbatim (see Options.DefaultInterp).
const DefaultInterpPath = "/lib/ld-musl-x86_64.so.1"

// region is a reserved, contiguous span of the output file.
type region struct {
	offset uint64
	length uint64
}

func (r region) end() uint64 { return r.offset + r.length }

// layout is the product of the reserve pass: every region's final file
// offset (which, per the contract, equals its final virtual address) and
// the single imageFileOffset constant that biases every address recorded
// inside the merged Image into final file coordinates.
type layout struct {
	ehdr, phdrs     region
	interp, shimReg region // at most one of these is populated
	dynstr          region
	dynsym          region
	hash            region
	rela            region
	dynamic         region
	shstrtab        region
	shdrs           region
	imageFileOffset uint64
	segments        []region // parallel to img.Segments
	debug           region
	total           uint64

	strtab       *stringTable
	shstrtabData *stringTable
	hasShim      bool
	hasInterp    bool
}

// Layout computes the reserve pass for img: every structure's offset and
// length, without writing any bytes.
func Layout(img *repr.Image, opts Options) (*layout, error) {
	l := &layout{}
	l.hasInterp = img.Interpreter.Kind == repr.InterpExternal
	l.hasShim = img.Interpreter.Kind == repr.InterpInternal

	cursor := uint64(0)
	reserve := func(n uint64) region {
		r := region{offset: cursor, length: n}
		cursor += n
		return r
	}

	numProgHeaders := programHeaderCount(img)
	l.ehdr = reserve(ehdrSize)
	l.phdrs = reserve(uint64(numProgHeaders) * phdrSize)

	switch {
	case l.hasInterp:
		interp := opts.interpPath()
		l.interp = reserve(align8(uint64(len(interp) + 1)))
	case l.hasShim:
		// The blob-builder is called once with zero arguments during the
		// reserve pass, purely to learn its size; real addresses are not
		// known until the write pass.
		blobSize := uint64(len(shim.BuildBlob(0, 0, 0, 0, 0)))
		cursor = roundUp(cursor, img.Alignment)
		l.shimReg = region{offset: cursor, length: blobSize}
		cursor += blobSize
	}

	strtab := newStringTable()
	for _, dep := range img.Dependencies {
		strtab.add(dep)
	}
	for _, sym := range img.Symbols {
		strtab.add(sym.Name)
	}
	strtab.add("__elf_header")
	l.strtab = strtab

	l.dynstr = reserve(align8(uint64(strtab.len())))
	l.dynsym = reserve(uint64(dynsymCount(img)) * 24)
	l.hash = reserve(hashTableSize(dynsymCount(img)))
	l.rela = reserve(uint64(len(img.Relocations)) * 24)
	l.dynamic = reserve(uint64(dynamicTagCount(len(img.Dependencies))) * 16)

	shstrtab := newStringTable()
	for _, n := range sectionNames(img, opts) {
		shstrtab.add(n)
	}
	l.shstrtabData = shstrtab
	l.shstrtab = reserve(align8(uint64(shstrtab.len())))

	l.shdrs = reserve(uint64(sectionCount(img, opts)) * shdrSize)

	l.imageFileOffset = roundUp(cursor, img.Alignment)
	if pad := l.imageFileOffset - cursor; pad > 0 {
		cursor += pad
	}

	l.segments = make([]region, len(img.Segments))
	segEnd := l.imageFileOffset
	for i, seg := range img.Segments {
		off := l.imageFileOffset + seg.Addr
		l.segments[i] = region{offset: off, length: seg.Size}
		if e := off + seg.Size; e > segEnd {
			segEnd = e
		}
	}

	if len(opts.DebugGDBScripts) > 0 {
		l.debug = region{offset: segEnd, length: uint64(len(opts.DebugGDBScripts))}
		l.total = l.debug.end()
	} else {
		l.total = segEnd
	}

	return l, nil
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

func roundUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func hashTableSize(nsyms int) uint64 {
	return 4 + 4 + uint64(hashBuckets)*4 + uint64(nsyms)*4
}

// programHeaderCount mirrors buildPhdrs's entry count.
func programHeaderCount(img *repr.Image) int {
	n := 2 // PT_PHDR, PT_LOAD(ro) for header+phdrs
	switch img.Interpreter.Kind {
	case repr.InterpExternal, repr.InterpInternal:
		n++ // PT_INTERP or PT_LOAD(rx) for the shim
	}
	n++ // PT_DYNAMIC
	n++ // PT_LOAD(rw) for the dynamic region
	n += len(img.Segments)
	return n
}

// sectionCount mirrors buildShdrs's entry count.
func sectionCount(img *repr.Image, opts Options) int {
	n := 7 // null, .shstrtab, .dynamic, .dynstr, .dynsym, .hash, .rela.dyn
	if img.Interpreter.Kind == repr.InterpInternal {
		n++ // .shim
	}
	n += len(img.Segments)
	if len(opts.DebugGDBScripts) > 0 {
		n++ // .debug_gdb_scripts
	}
	return n
}

// segmentSectionBase returns the section index of the first per-segment
// section, i.e. one past the fixed prefix (and the optional .shim entry).
func segmentSectionBase(img *repr.Image) uint16 {
	base := uint16(7)
	if img.Interpreter.Kind == repr.InterpInternal {
		base++
	}
	return base
}

// Emit runs the reserve pass and then serializes img into a byte buffer in
// file-offset order. Every write advances a running cursor; any gap between
// the end of one structure and the reserved offset of the next (alignment
// padding, or space between non-adjacent segments) is accounted for as
// explicitly written zero bytes, so the final written == reserved check is
// exact rather than approximate.
func Emit(img *repr.Image, opts Options) ([]byte, error) {
	l, err := Layout(img, opts)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, l.total)
	var cursor, written uint64
	put := func(r region, data []byte) error {
		if r.offset < cursor {
			return fmt.Errorf("emit: internal error: region at 0x%x overlaps previous write ending at 0x%x", r.offset, cursor)
		}
		written += r.offset - cursor // account for any alignment gap
		copy(buf[r.offset:r.offset+r.length], data)
		written += r.length
		cursor = r.end()
		return nil
	}

	entry := entryPoint(img, l)

	nameToSymIndex := make(map[string]int, len(img.Symbols))
	for i, sym := range img.Symbols {
		nameToSymIndex[sym.Name] = i + 1 // +1 for the null symbol at index 0
	}

	sectionOf := func(addr uint64) uint16 {
		base := segmentSectionBase(img)
		for i, seg := range img.Segments {
			if addr >= seg.Addr && addr < seg.Addr+seg.Size {
				return base + uint16(i)
			}
		}
		return 0
	}

	// File header + program headers.
	if err := put(l.ehdr, buildEhdr(img, l, opts, entry)); err != nil {
		return nil, err
	}
	phdrs, err := buildPhdrs(img, l)
	if err != nil {
		return nil, err
	}
	if err := put(l.phdrs, phdrs); err != nil {
		return nil, err
	}

	switch {
	case l.hasInterp:
		path := opts.interpPath()
		data := make([]byte, l.interp.length)
		copy(data, path)
		data[len(path)] = 0
		if err := put(l.interp, data); err != nil {
			return nil, err
		}
	case l.hasShim:
		internal := img.Interpreter
		shimBase := l.shimReg.offset
		userEntry := l.imageFileOffset + img.Entry
		interpEntry := l.imageFileOffset + internal.Entry
		interpBase := l.imageFileOffset + internal.Base
		blob := shim.BuildBlob(shimBase, userEntry, interpEntry, interpBase, uint64(internal.SegmentCount))
		data := make([]byte, l.shimReg.length)
		copy(data, blob)
		if err := put(l.shimReg, data); err != nil {
			return nil, err
		}
	}

	if err := put(l.dynstr, l.strtab.bytes()); err != nil {
		return nil, err
	}
	if err := put(l.dynsym, buildDynsymBiased(img, l.strtab, sectionOf, l.imageFileOffset)); err != nil {
		return nil, err
	}
	if err := put(l.hash, buildHash(dynsymCount(img))); err != nil {
		return nil, err
	}

	rela, err := buildRelaBiased(img, nameToSymIndex, l.imageFileOffset)
	if err != nil {
		return nil, err
	}
	if err := put(l.rela, rela); err != nil {
		return nil, err
	}

	if err := put(l.dynamic, buildDynamicTable(img.Dependencies, l.strtab,
		l.dynstr.offset, l.dynstr.length, l.dynsym.offset, l.hash.offset, l.rela.offset, l.rela.length)); err != nil {
		return nil, err
	}

	if err := put(l.shstrtab, l.shstrtabData.bytes()); err != nil {
		return nil, err
	}

	shdrs, err := buildShdrs(img, l, opts)
	if err != nil {
		return nil, err
	}
	if err := put(l.shdrs, shdrs); err != nil {
		return nil, err
	}

	for i, seg := range img.Segments {
		r := l.segments[i]
		data := make([]byte, r.length)
		copy(data, seg.Data)
		if err := put(r, data); err != nil {
			return nil, err
		}
	}

	if len(opts.DebugGDBScripts) > 0 {
		if err := put(l.debug, opts.DebugGDBScripts); err != nil {
			return nil, err
		}
	}

	written += l.total - cursor // trailing gap, if any, past the last write
	if written != l.total {
		return nil, fmt.Errorf("emit: internal error: reserved %d bytes but wrote %d", l.total, written)
	}

	return buf, nil
}

func entryPoint(img *repr.Image, l *layout) uint64 {
	switch img.Interpreter.Kind {
	case repr.InterpExternal:
		return l.imageFileOffset + img.Entry
	case repr.InterpInternal:
		return l.shimReg.offset
	default:
		return 0
	}
}

func buildEhdr(img *repr.Image, l *layout, opts Options, entry uint64) []byte {
	var buf bytes.Buffer
	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_DYN))
	binary.Write(&buf, binary.LittleEndian, img.Machine)
	binary.Write(&buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, l.phdrs.offset)
	binary.Write(&buf, binary.LittleEndian, l.shdrs.offset)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(programHeaderCount(img)))
	binary.Write(&buf, binary.LittleEndian, uint16(shdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(sectionCount(img, opts)))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_shstrndx: .shstrtab is section 1

	return buf.Bytes()
}

type progHeader struct {
	typ                          elf.ProgType
	flags                        elf.ProgFlag
	offset, vaddr, filesz, memsz uint64
	align                        uint64
}

func buildPhdrs(img *repr.Image, l *layout) ([]byte, error) {
	var headers []progHeader

	headers = append(headers, progHeader{
		typ: elf.PT_PHDR, flags: elf.PF_R,
		offset: l.phdrs.offset, vaddr: l.phdrs.offset,
		filesz: l.phdrs.length, memsz: l.phdrs.length, align: 8,
	})

	roEnd := l.phdrs.end()
	if l.hasInterp {
		roEnd = l.interp.end()
	}
	headers = append(headers, progHeader{
		typ: elf.PT_LOAD, flags: elf.PF_R,
		offset: 0, vaddr: 0, filesz: roEnd, memsz: roEnd, align: img.Alignment,
	})

	switch {
	case l.hasInterp:
		headers = append(headers, progHeader{
			typ: elf.PT_INTERP, flags: elf.PF_R,
			offset: l.interp.offset, vaddr: l.interp.offset,
			filesz: l.interp.length, memsz: l.interp.length, align: 1,
		})
	case l.hasShim:
		headers = append(headers, progHeader{
			typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X,
			offset: l.shimReg.offset, vaddr: l.shimReg.offset,
			filesz: l.shimReg.length, memsz: l.shimReg.length, align: img.Alignment,
		})
	}

	headers = append(headers, progHeader{
		typ: elf.PT_DYNAMIC, flags: elf.PF_R | elf.PF_W,
		offset: l.dynamic.offset, vaddr: l.dynamic.offset,
		filesz: l.dynamic.length, memsz: l.dynamic.length, align: 8,
	})

	dynRegionStart := l.dynstr.offset
	dynRegionEnd := l.shdrs.end()
	headers = append(headers, progHeader{
		typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W,
		offset: dynRegionStart, vaddr: dynRegionStart,
		filesz: dynRegionEnd - dynRegionStart, memsz: dynRegionEnd - dynRegionStart, align: img.Alignment,
	})

	for i, seg := range img.Segments {
		flags, err := progFlags(seg.Mode)
		if err != nil {
			return nil, err
		}
		r := l.segments[i]
		headers = append(headers, progHeader{
			typ: elf.PT_LOAD, flags: flags,
			offset: r.offset, vaddr: r.offset,
			filesz: r.length, memsz: r.length, align: img.Alignment,
		})
	}

	var buf bytes.Buffer
	for _, h := range headers {
		binary.Write(&buf, binary.LittleEndian, uint32(h.typ))
		binary.Write(&buf, binary.LittleEndian, uint32(h.flags))
		binary.Write(&buf, binary.LittleEndian, h.offset)
		binary.Write(&buf, binary.LittleEndian, h.vaddr)
		binary.Write(&buf, binary.LittleEndian, h.vaddr) // p_paddr == p_vaddr
		binary.Write(&buf, binary.LittleEndian, h.filesz)
		binary.Write(&buf, binary.LittleEndian, h.memsz)
		binary.Write(&buf, binary.LittleEndian, h.align)
	}
	return buf.Bytes(), nil
}

func progFlags(mode repr.LoadMode) (elf.ProgFlag, error) {
	switch mode {
	case repr.ReadOnly:
		return elf.PF_R, nil
	case repr.ReadWrite:
		return elf.PF_R | elf.PF_W, nil
	case repr.ReadExecute:
		return elf.PF_R | elf.PF_X, nil
	default:
		return 0, fmt.Errorf("emit: unsupported load mode %v", mode)
	}
}

// sectionNames returns the diagnostic section names in emission order,
// mirroring sectionCount's entry count exactly.
func sectionNames(img *repr.Image, opts Options) []string {
	names := []string{"", ".shstrtab", ".dynamic", ".dynstr", ".dynsym", ".hash", ".rela.dyn"}
	if img.Interpreter.Kind == repr.InterpInternal {
		names = append(names, ".shim")
	}
	for i := range img.Segments {
		names = append(names, fmt.Sprintf(".load%d", i))
	}
	if len(opts.DebugGDBScripts) > 0 {
		names = append(names, ".debug_gdb_scripts")
	}
	return names
}

func buildShdrs(img *repr.Image, l *layout, opts Options) ([]byte, error) {
	shstrtab := l.shstrtabData

	type shdr struct {
		name          uint32
		typ           elf.SectionType
		flags         elf.SectionFlag
		addr, offset  uint64
		size          uint64
		link, info    uint32
		align, entsz  uint64
	}

	var entries []shdr
	entries = append(entries, shdr{}) // null section

	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".shstrtab"), typ: elf.SHT_STRTAB,
		offset: l.shstrtab.offset, size: l.shstrtab.length, align: 1,
	})

	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".dynamic"), typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		addr: l.dynamic.offset, offset: l.dynamic.offset, size: l.dynamic.length, link: 3, entsz: 16, align: 8,
	})
	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".dynstr"), typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC,
		addr: l.dynstr.offset, offset: l.dynstr.offset, size: l.dynstr.length, align: 1,
	})
	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".dynsym"), typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC,
		addr: l.dynsym.offset, offset: l.dynsym.offset, size: l.dynsym.length, link: 3, entsz: 24, align: 8,
	})
	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".hash"), typ: elf.SHT_HASH, flags: elf.SHF_ALLOC,
		addr: l.hash.offset, offset: l.hash.offset, size: l.hash.length, link: 4, entsz: 4, align: 8,
	})
	entries = append(entries, shdr{
		name: shstrtab.offsetOf(".rela.dyn"), typ: elf.SHT_RELA, flags: elf.SHF_ALLOC,
		addr: l.rela.offset, offset: l.rela.offset, size: l.rela.length, link: 4, entsz: 24, align: 8,
	})

	if img.Interpreter.Kind == repr.InterpInternal {
		entries = append(entries, shdr{
			name: shstrtab.offsetOf(".shim"), typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr: l.shimReg.offset, offset: l.shimReg.offset, size: l.shimReg.length, align: img.Alignment,
		})
	}

	for i := range img.Segments {
		r := l.segments[i]
		entries = append(entries, shdr{
			name: shstrtab.offsetOf(fmt.Sprintf(".load%d", i)), typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC,
			addr: r.offset, offset: r.offset, size: r.length, align: img.Alignment,
		})
	}

	if len(opts.DebugGDBScripts) > 0 {
		entries = append(entries, shdr{
			name: shstrtab.offsetOf(".debug_gdb_scripts"), typ: elf.SHT_PROGBITS,
			addr: l.debug.offset, offset: l.debug.offset, size: l.debug.length, align: 1,
		})
	}

	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.name)
		binary.Write(&buf, binary.LittleEndian, uint32(e.typ))
		binary.Write(&buf, binary.LittleEndian, uint64(e.flags))
		binary.Write(&buf, binary.LittleEndian, e.addr)
		binary.Write(&buf, binary.LittleEndian, e.offset)
		binary.Write(&buf, binary.LittleEndian, e.size)
		binary.Write(&buf, binary.LittleEndian, e.link)
		binary.Write(&buf, binary.LittleEndian, e.info)
		binary.Write(&buf, binary.LittleEndian, e.align)
		binary.Write(&buf, binary.LittleEndian, e.entsz)
	}
	return buf.Bytes(), nil
}
