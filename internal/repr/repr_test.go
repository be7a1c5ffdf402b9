package repr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func simpleImage(base uint64, entry uint64) *Image {
	return &Image{
		Machine:   0x3e, // EM_X86_64
		Alignment: 0x1000,
		Segments: []*LoadSegment{
			{Addr: base, Size: 0x1000, Data: []byte{1, 2, 3}, Mode: ReadExecute},
		},
		Symbols: []*Symbol{
			{Name: "f", Kind: KindCode, Scope: ScopeGlobal, Value: base + 0x10, Size: 4},
		},
		Relocations: []*Relocation{
			{Offset: base + 0x20, Target: RelocationTarget{Kind: TargetBase, Addend: 8}},
		},
		Initializers: []uint64{base + 0x30},
		Finalizers:   []uint64{base + 0x40},
		Entry:        entry,
	}
}

func TestRebaseIsNoopAtZero(t *testing.T) {
	img := simpleImage(0x1000, 0x1010)
	before := cloneForCompare(img)
	img.Rebase(0)
	if diff := cmp.Diff(before, cloneForCompare(img), cmpopts.IgnoreUnexported()); diff != "" {
		t.Errorf("rebase(0) changed image: %s", diff)
	}
}

func TestRebaseIsLinear(t *testing.T) {
	a, b := uint64(0x4000), uint64(0x7000)

	img1 := simpleImage(0x1000, 0x1010)
	img1.Rebase(a)
	img1.Rebase(b)

	img2 := simpleImage(0x1000, 0x1010)
	img2.Rebase(a + b)

	if diff := cmp.Diff(cloneForCompare(img1), cloneForCompare(img2), cmpopts.IgnoreUnexported()); diff != "" {
		t.Errorf("rebase(a) then rebase(b) != rebase(a+b): %s", diff)
	}
}

func TestRebaseShiftsExpectedFields(t *testing.T) {
	img := simpleImage(0x1000, 0x1010)
	img.Symbols = append(img.Symbols, &Symbol{Name: "abs", Value: 0x99, Abs: true})
	img.Symbols = append(img.Symbols, &Symbol{Name: "undef", Scope: ScopeImport, Value: 0})

	const off = 0x2000
	img.Rebase(off)

	if got, want := img.Segments[0].Addr, uint64(0x1000+off); got != want {
		t.Errorf("segment addr = 0x%x, want 0x%x", got, want)
	}
	if got, want := img.Symbols[0].Value, uint64(0x1010+off); got != want {
		t.Errorf("defined symbol value = 0x%x, want 0x%x", got, want)
	}
	if got := img.Symbols[1].Value; got != 0x99 {
		t.Errorf("abs symbol value shifted: got 0x%x, want 0x99", got)
	}
	if got := img.Symbols[2].Value; got != 0 {
		t.Errorf("import symbol value shifted: got 0x%x, want 0", got)
	}
	if got, want := img.Relocations[0].Offset, uint64(0x1020+off); got != want {
		t.Errorf("relocation offset = 0x%x, want 0x%x", got, want)
	}
	if got, want := img.Relocations[0].Target.Addend, int64(8+off); got != want {
		t.Errorf("base relocation addend = %d, want %d", got, want)
	}
	if got, want := img.Entry, uint64(0x1010+off); got != want {
		t.Errorf("entry = 0x%x, want 0x%x", got, want)
	}
}

func TestMergeNonOverlapAndSort(t *testing.T) {
	target := simpleImage(0x1000, 0x1010)
	source := simpleImage(0x500, 0) // deliberately overlapping address space before merge
	// A second global code definition of "f" is an unresolvable pair; give
	// the source's symbol its own name so the merge itself can succeed.
	source.Symbols[0].Name = "g"

	preTargetEnd := roundUp(target.Bounds(), target.Alignment)

	if err := source.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if len(target.Segments) != 2 {
		t.Fatalf("expected 2 segments after merge, got %d", len(target.Segments))
	}
	if target.Segments[1].Addr < preTargetEnd {
		t.Errorf("source segment not rebased above target end: addr=0x%x end=0x%x", target.Segments[1].Addr, preTargetEnd)
	}
	for i := 1; i < len(target.Segments); i++ {
		if target.Segments[i].Addr < target.Segments[i-1].End() {
			t.Errorf("segments not sorted/non-overlapping at index %d", i)
		}
	}
	if target.Alignment != 0x1000 {
		t.Errorf("alignment changed by merge")
	}
	if target.Machine != 0x3e {
		t.Errorf("machine changed by merge")
	}
}

func TestMergeRejectsIncompatibleMachine(t *testing.T) {
	target := simpleImage(0x1000, 0x1010)
	source := simpleImage(0x500, 0)
	source.Machine = 0xb7 // EM_AARCH64

	if err := source.MergeInto(target, nil); err == nil {
		t.Fatal("expected error for incompatible machine, got nil")
	}
}

func TestSymbolReconciliationGlobalResolvesImport(t *testing.T) {
	target := &Image{Machine: 0x3e, Alignment: 0x1000, Symbols: []*Symbol{
		{Name: "puts", Scope: ScopeImport, Kind: KindCode},
	}}
	source := &Image{Machine: 0x3e, Alignment: 0x1000, Symbols: []*Symbol{
		{Name: "puts", Scope: ScopeGlobal, Kind: KindCode, Value: 0x4000, Size: 16},
	}}

	if err := source.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	got := target.Symbols[0]
	if got.Scope != ScopeGlobal || got.Value != 0x4000 {
		t.Errorf("import not resolved by global definition: %+v", got)
	}
}

func TestInitFiniRequiresLibcSource(t *testing.T) {
	target := &Image{Machine: 0x3e, Alignment: 0x1000, Symbols: []*Symbol{
		{Name: "_init", Scope: ScopeGlobal, Kind: KindCode, Value: 0x10, Size: 1},
	}}
	// Non-libc source offering a different _init must not override target's.
	notLibc := &Image{Machine: 0x3e, Alignment: 0x1000, Names: []string{"other.so"}, Symbols: []*Symbol{
		{Name: "_init", Scope: ScopeGlobal, Kind: KindCode, Value: 0x20, Size: 1},
	}}
	if err := notLibc.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if target.Symbols[0].Value != 0x10 {
		t.Errorf("non-libc source overrode _init: got value 0x%x", target.Symbols[0].Value)
	}

	libc := &Image{Machine: 0x3e, Alignment: 0x1000, Names: []string{"libc.so"}, Symbols: []*Symbol{
		{Name: "_init", Scope: ScopeGlobal, Kind: KindCode, Value: 0x30, Size: 1},
	}}
	if err := libc.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if target.Symbols[0].Value != 0x30 {
		t.Errorf("libc.so source failed to override _init: got value 0x%x", target.Symbols[0].Value)
	}
}

func TestCopyRelocationRewrite(t *testing.T) {
	target := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Segments: []*LoadSegment{{Addr: 0x3000, Size: 0x20, Data: make([]byte, 0x10), Mode: ReadWrite}},
		Symbols:  []*Symbol{{Name: "g", Scope: ScopeGlobal, Kind: KindData, Value: 0, Size: 4}},
		Relocations: []*Relocation{
			{Offset: 0x3008, Target: RelocationTarget{Kind: TargetCopy, Name: "g"}},
		},
	}
	source := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Segments: []*LoadSegment{{Addr: 0x1, Size: 4, Data: []byte{0xde, 0xad, 0xbe, 0xef}, Mode: ReadWrite}},
		Symbols:  []*Symbol{{Name: "g", Scope: ScopeGlobal, Kind: KindData, Value: 0x1, Size: 4}},
	}

	if err := source.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	rel := target.Relocations[0]
	if rel.Target.Kind != TargetNone {
		t.Fatalf("copy relocation not neutralized: %+v", rel.Target)
	}
	seg := target.Segments[0]
	got := seg.Data[0x8:0xc]
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("spliced bytes mismatch: %s", diff)
	}
}

func TestDependencyMergeDropsSubsumedSelfDependency(t *testing.T) {
	target := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Dependencies: []string{"libc.so", "libm.so"},
	}
	source := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Names:        []string{"libc.so"},
		Dependencies: []string{"libc.so"},
	}

	if err := source.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	want := []string{"libm.so"}
	if diff := cmp.Diff(want, target.Dependencies); diff != "" {
		t.Errorf("dependency list mismatch: %s", diff)
	}
}

func TestInterpreterLoaderMerge(t *testing.T) {
	target := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Interpreter: Interpreter{Kind: InterpExternal, Path: "/lib/ld-musl-x86_64.so.1"},
	}
	loader := &Image{
		Machine: 0x3e, Alignment: 0x1000,
		Interpreter: Interpreter{Kind: InterpInternal, Base: 0, Entry: 0x200, SegmentCount: 3},
	}

	if err := loader.MergeInto(target, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if target.Interpreter.Kind != InterpInternal {
		t.Fatalf("target interpreter not overwritten: %+v", target.Interpreter)
	}
	if target.Interpreter.SegmentCount != 3 {
		t.Errorf("segment count not carried over: %+v", target.Interpreter)
	}
}

// cloneForCompare produces a deep-enough copy for comparison purposes
// (private fields aside, there are none in these types).
func cloneForCompare(img *Image) *Image {
	clone := *img
	clone.Segments = nil
	for _, s := range img.Segments {
		c := *s
		clone.Segments = append(clone.Segments, &c)
	}
	clone.Symbols = nil
	for _, s := range img.Symbols {
		c := *s
		clone.Symbols = append(clone.Symbols, &c)
	}
	clone.Relocations = nil
	for _, r := range img.Relocations {
		c := *r
		clone.Relocations = append(clone.Relocations, &c)
	}
	clone.Initializers = append([]uint64(nil), img.Initializers...)
	clone.Finalizers = append([]uint64(nil), img.Finalizers...)
	return &clone
}
