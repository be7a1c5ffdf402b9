package emit

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/xyproto/relink/internal/repr"
	"github.com/xyproto/relink/internal/shim"
)

func libraryImage() *repr.Image {
	return &repr.Image{
		Machine:   uint16(elf.EM_X86_64),
		Alignment: 0x1000,
		Segments: []*repr.LoadSegment{
			{Addr: 0, Size: 0x10, Data: []byte{0xde, 0xad, 0xbe, 0xef}, Mode: repr.ReadOnly},
		},
		Symbols: []*repr.Symbol{
			{Name: "answer", Kind: repr.KindData, Scope: repr.ScopeGlobal, Value: 0x4, Size: 4},
		},
	}
}

func executableImage() *repr.Image {
	img := libraryImage()
	img.Entry = 0x4
	img.Interpreter = repr.Interpreter{Kind: repr.InterpExternal}
	img.Relocations = []*repr.Relocation{
		{Offset: 0x8, Target: repr.RelocationTarget{Kind: repr.TargetBase, Addend: 0x4}},
	}
	return img
}

// internalInterpreterImage is an executable that embeds its own loader: the
// emitter must embed the shim blob instead of a PT_INTERP string.
func internalInterpreterImage() *repr.Image {
	img := executableImage()
	img.Interpreter = repr.Interpreter{
		Kind:         repr.InterpInternal,
		Base:         0,
		Entry:        0x8,
		SegmentCount: 3,
	}
	return img
}

// TestEmitInvariant checks the reserve/write post-condition directly: every
// byte Layout reserves is accounted for by Emit's running write cursor,
// matching the emitter's "written == reserved" contract (§8).
func TestEmitInvariant(t *testing.T) {
	for name, img := range map[string]*repr.Image{
		"library":              libraryImage(),
		"executable":           executableImage(),
		"internal_interpreter": internalInterpreterImage(),
	} {
		t.Run(name, func(t *testing.T) {
			l, err := Layout(img, Options{})
			if err != nil {
				t.Fatalf("Layout: %v", err)
			}
			out, err := Emit(img, Options{})
			if err != nil {
				t.Fatalf("Emit: %v", err)
			}
			if uint64(len(out)) != l.total {
				t.Fatalf("len(out) = %d, want %d (layout total)", len(out), l.total)
			}
		})
	}
}

// TestEmitLibraryRoundTrip parses the emitted bytes back with debug/elf (not
// internal/parse, per §2.3) and checks the structural facts a pure library
// (no entry, no PT_INTERP, no shim) must have.
func TestEmitLibraryRoundTrip(t *testing.T) {
	img := libraryImage()
	out, err := Emit(img, Options{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("debug/elf failed to parse emitted bytes: %v", err)
	}
	defer f.Close()

	if f.Type != elf.ET_DYN {
		t.Errorf("Type = %v, want ET_DYN", f.Type)
	}
	if f.Entry != 0 {
		t.Errorf("Entry = 0x%x, want 0 for a library", f.Entry)
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			t.Errorf("library output unexpectedly has PT_INTERP")
		}
	}

	syms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatalf("DynamicSymbols: %v", err)
	}
	found := false
	for _, s := range syms {
		if s.Name == "answer" {
			found = true
		}
	}
	if !found {
		t.Errorf("dynamic symbol table missing %q", "answer")
	}
}

// TestEmitExecutableRoundTrip covers the external-interpreter case: the
// emitted PT_INTERP string must be the default loader path, and the entry
// point must equal imageFileOffset + the IR's raw entry.
func TestEmitExecutableRoundTrip(t *testing.T) {
	img := executableImage()
	l, err := Layout(img, Options{})
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	out, err := Emit(img, Options{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("debug/elf failed to parse emitted bytes: %v", err)
	}
	defer f.Close()

	wantEntry := l.imageFileOffset + img.Entry
	if f.Entry != wantEntry {
		t.Errorf("Entry = 0x%x, want 0x%x", f.Entry, wantEntry)
	}

	var gotInterp string
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				t.Fatalf("reading PT_INTERP: %v", err)
			}
			gotInterp = string(bytes.TrimRight(data, "\x00"))
		}
	}
	if gotInterp != DefaultInterpPath {
		t.Errorf("PT_INTERP = %q, want %q", gotInterp, DefaultInterpPath)
	}

	relaSect := f.Section(".rela.dyn")
	if relaSect == nil {
		t.Fatalf("no .rela.dyn section")
	}
	relocs, err := relaSect.Data()
	if err != nil {
		t.Fatalf("reading .rela.dyn: %v", err)
	}
	if len(relocs) != 24 {
		t.Fatalf("expected 1 rela entry, got %d bytes", len(relocs))
	}
	wantOffset := l.imageFileOffset + img.Relocations[0].Offset
	if gotOffset := le64(relocs[0:8]); gotOffset != wantOffset {
		t.Errorf("r_offset = 0x%x, want 0x%x", gotOffset, wantOffset)
	}
	wantAddend := int64(l.imageFileOffset) + img.Relocations[0].Target.Addend
	if gotAddend := int64(le64(relocs[16:24])); gotAddend != wantAddend {
		t.Errorf("r_addend = %d, want %d", gotAddend, wantAddend)
	}
}

// TestEmitInternalInterpreterRoundTrip covers end-to-end scenario 4
// (spec.md §8, "Loader-into-executable merge"): when the image embeds its
// own loader, the emitter must embed the shim blob as an executable
// PT_LOAD rather than emit PT_INTERP, and the file's entry point must be
// the shim's own virtual address (not the user program's).
func TestEmitInternalInterpreterRoundTrip(t *testing.T) {
	img := internalInterpreterImage()
	l, err := Layout(img, Options{})
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	out, err := Emit(img, Options{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("debug/elf failed to parse emitted bytes: %v", err)
	}
	defer f.Close()

	if f.Entry != l.shimReg.offset {
		t.Errorf("Entry = 0x%x, want shim's address 0x%x", f.Entry, l.shimReg.offset)
	}

	var shimLoad *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			t.Errorf("internal-interpreter output unexpectedly has PT_INTERP")
		}
		if p.Type == elf.PT_LOAD && p.Off == l.shimReg.offset {
			shimLoad = p
		}
	}
	if shimLoad == nil {
		t.Fatalf("no PT_LOAD found at the shim's reserved offset 0x%x", l.shimReg.offset)
	}
	if shimLoad.Flags&elf.PF_X == 0 {
		t.Errorf("shim PT_LOAD flags = %v, want executable", shimLoad.Flags)
	}
	if shimLoad.Filesz != l.shimReg.length {
		t.Errorf("shim PT_LOAD filesz = %d, want %d", shimLoad.Filesz, l.shimReg.length)
	}

	shimData := make([]byte, shimLoad.Filesz)
	if _, err := shimLoad.ReadAt(shimData, 0); err != nil {
		t.Fatalf("reading shim blob: %v", err)
	}

	wantUserEntryRel := (l.imageFileOffset + img.Entry) - l.shimReg.offset
	codeLen := len(shim.Code())
	gotUserEntryRel := le64(shimData[codeLen : codeLen+8])
	if gotUserEntryRel != wantUserEntryRel {
		t.Errorf("shim data userEntry_rel = 0x%x, want 0x%x", gotUserEntryRel, wantUserEntryRel)
	}

	wantInterpEntryRel := (l.imageFileOffset + img.Interpreter.Entry) - l.shimReg.offset
	gotInterpEntryRel := le64(shimData[codeLen+8 : codeLen+16])
	if gotInterpEntryRel != wantInterpEntryRel {
		t.Errorf("shim data interpEntry_rel = 0x%x, want 0x%x", gotInterpEntryRel, wantInterpEntryRel)
	}
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
