// Package repr defines the intermediate representation shared by the
// parser and emitter: images, load segments, symbols, relocations, and the
// interpreter descriptor, plus the rebasing and merging logic that
// combines two images into one.
package repr

// LoadMode is a load segment's memory-protection mode.
type LoadMode int

const (
	ReadOnly LoadMode = iota
	ReadWrite
	ReadExecute
)

func (m LoadMode) String() string {
	switch m {
	case ReadOnly:
		return "r"
	case ReadWrite:
		return "rw"
	case ReadExecute:
		return "rx"
	default:
		return "?"
	}
}

// LoadSegment is one PT_LOAD-equivalent region. Invariant: len(Data) <= Size;
// bytes in [len(Data), Size) are implicitly zero when loaded.
type LoadSegment struct {
	Addr   uint64
	Size   uint64
	Data   []byte
	Mode   LoadMode
	Origin string // diagnostic label, e.g. the originating file name
}

func (s *LoadSegment) End() uint64 {
	return s.Addr + s.Size
}

// SymbolKind is the kind of entity a symbol names.
type SymbolKind int

const (
	KindUnknown SymbolKind = iota
	KindCode
	KindData
)

// SymbolScope is where a symbol is visible and whether it is a definition.
type SymbolScope int

const (
	ScopeLocal SymbolScope = iota
	ScopeGlobal
	ScopeWeak
	ScopeImport
)

func (s SymbolScope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeGlobal:
		return "global"
	case ScopeWeak:
		return "weak"
	case ScopeImport:
		return "import"
	default:
		return "?"
	}
}

// Symbol names a code or data location. Within a single image, names are
// unique. Value is 0 for imports. Abs symbols are never rebased.
type Symbol struct {
	Name  string
	Kind  SymbolKind
	Scope SymbolScope
	Value uint64
	Size  uint64
	Abs   bool
}

// RelocationTargetKind discriminates the RelocationTarget tagged union.
type RelocationTargetKind int

const (
	TargetSymbol RelocationTargetKind = iota
	TargetBase
	TargetCopy
	TargetNone
	TargetMachineSpecific
)

// RelocationTarget is a closed sum type over what a relocation patches in
// with. Only the fields relevant to Kind are meaningful:
//   - TargetSymbol:         Name, Addend
//   - TargetBase:           Addend
//   - TargetCopy:           Name
//   - TargetNone:           (none)
//   - TargetMachineSpecific: Code
type RelocationTarget struct {
	Kind   RelocationTargetKind
	Name   string
	Addend int64
	Code   uint32
}

// Relocation patches Offset at load time according to Target.
type Relocation struct {
	Offset uint64
	Target RelocationTarget
}

// InterpreterKind discriminates the Interpreter tagged union.
type InterpreterKind int

const (
	InterpAbsent InterpreterKind = iota
	InterpExternal
	InterpInternal
)

// Interpreter describes how the dynamic loader should be invoked.
//   - InterpAbsent:   pure library, no entry.
//   - InterpExternal: kernel loads the dynamic loader at Path.
//   - InterpInternal: this image is itself a dynamic loader, embedded;
//     Base/Entry are its own load-relative base and entry, and
//     SegmentCount is the number of its PT_LOAD program headers (used by the shim to hide
//     the combined image's extra headers — see internal/shim).
type Interpreter struct {
	Kind         InterpreterKind
	Path         string
	Base         uint64
	Entry        uint64
	SegmentCount int
}

// Image aggregates everything needed to re-emit a loadable file: segments,
// an optional TLS template, symbols, relocations, init/fini lists,
// dependencies, image names (soname equivalents), an interpreter
// descriptor, and an entry point.
type Image struct {
	Machine      uint16 // elf.Machine, kept opaque at this layer
	Alignment    uint64
	Segments     []*LoadSegment
	TLS          []byte // nil if absent
	Symbols      []*Symbol
	Relocations  []*Relocation
	Initializers []uint64
	Finalizers   []uint64
	Dependencies []string
	Names        []string
	Interpreter  Interpreter
	Entry        uint64
}

// Bounds returns the upper bound (exclusive) of all of the image's
// segments, i.e. the lowest address past which nothing is loaded.
func (img *Image) Bounds() uint64 {
	var end uint64
	for _, seg := range img.Segments {
		if e := seg.End(); e > end {
			end = e
		}
	}
	return end
}

func roundUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
