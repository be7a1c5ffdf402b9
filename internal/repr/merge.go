package repr

import (
	"fmt"
	"reflect"

	"github.com/xyproto/relink/internal/diag"
)

// mergeFault tags a structural violation the merger treats as a programmer
// error (duplicate symbol, incompatible machine, unreachable interpreter
// transition, unresolvable copy target, unimplemented TLS merge). It is
// recovered at the MergeInto boundary and turned into a returned error.
type mergeFault struct{ msg string }

func (f mergeFault) Error() string { return f.msg }

func fault(format string, args ...any) {
	panic(mergeFault{fmt.Sprintf(format, args...)})
}

// MergeInto consumes source and mutates target in place. Precondition:
// source and target share the same machine and alignment; any other
// structural violation along the way aborts the merge and is returned as
// an error rather than silently patched over. collector, which may be nil,
// receives a Warnf/Notef per symbol-resolution choice and dependency change
// made along the way (spec §7's "diagnostic stream").
func (source *Image) MergeInto(target *Image, collector *diag.Collector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if mf, ok := r.(mergeFault); ok {
				err = mf
				return
			}
			panic(r)
		}
	}()
	source.mergeInto(target, collector)
	return nil
}

func (source *Image) mergeInto(target *Image, collector *diag.Collector) {
	if source.Machine != target.Machine {
		fault("merge: incompatible machine (source=%d target=%d)", source.Machine, target.Machine)
	}
	if source.Alignment != target.Alignment {
		fault("merge: incompatible alignment (source=%d target=%d)", source.Alignment, target.Alignment)
	}

	// Step 1 — spatial rebasing.
	targetEnd := roundUp(target.Bounds(), target.Alignment)
	source.Rebase(targetEnd)

	// Step 2 — segment append. Source segments are all above target's
	// prior bound, so the combined sequence remains sorted.
	target.Segments = append(target.Segments, source.Segments...)

	// Step 3 — TLS merge.
	if source.TLS != nil {
		if target.TLS != nil {
			fault("merge: TLS merge unimplemented (both images carry a TLS template)")
		}
		target.TLS = source.TLS
	}

	// Step 4 — interpreter merge.
	switch {
	case source.Interpreter.Kind == InterpAbsent && target.Interpreter.Kind == InterpAbsent:
		// fall through to dynamic merge
	case source.Interpreter.Kind == InterpAbsent && target.Interpreter.Kind == InterpExternal:
		// fall through to dynamic merge
	case source.Interpreter.Kind == InterpInternal && target.Interpreter.Kind == InterpExternal:
		collector.Notef("merge", "embedded loader replaces external interpreter %q", target.Interpreter.Path)
		target.Interpreter = source.Interpreter
		return
	default:
		fault("merge: unreachable interpreter-state combination (source=%v target=%v)",
			source.Interpreter.Kind, target.Interpreter.Kind)
	}

	// Step 5 — dynamic merge.
	source.dynamicMerge(target, collector)
}

func (source *Image) dynamicMerge(target *Image, collector *diag.Collector) {
	nameToIndex := make(map[string]int, len(target.Symbols))
	for i, sym := range target.Symbols {
		if _, dup := nameToIndex[sym.Name]; dup {
			fault("merge: duplicate symbol %q in target", sym.Name)
		}
		nameToIndex[sym.Name] = i
	}

	type rewrite struct {
		name   string
		source *Symbol
	}
	var rewrites []rewrite

	sourceIsLibc := false
	for _, n := range source.Names {
		if n == "libc.so" {
			sourceIsLibc = true
			break
		}
	}

	for _, src := range source.Symbols {
		idx, exists := nameToIndex[src.Name]
		if !exists {
			target.Symbols = append(target.Symbols, src)
			nameToIndex[src.Name] = len(target.Symbols) - 1
			continue
		}
		tgt := target.Symbols[idx]
		reconcile(src, tgt, sourceIsLibc, collector, func() { rewrites = append(rewrites, rewrite{src.Name, src}) })
	}

	// Copy-relocation rewriting: splice source bytes directly into target
	// data and neutralize the matching Copy relocation.
	for _, rw := range rewrites {
		for _, rel := range target.Relocations {
			if rel.Target.Kind != TargetCopy || rel.Target.Name != rw.name {
				continue
			}
			bytes := readSymbolBytes(target, rw.source)
			spliceBytes(target, rel.Offset, bytes)
			rel.Target = RelocationTarget{Kind: TargetNone}
		}
	}

	target.Relocations = append(target.Relocations, source.Relocations...)
	target.Initializers = append(target.Initializers, source.Initializers...)
	target.Finalizers = append(target.Finalizers, source.Finalizers...)

	mergeDependencies(source, target, collector)
}

// reconcile applies the first matching rule from the symbol-reconciliation
// table to a (source, target) pair that share a name. enqueueRewrite is
// called when the pair triggers a copy-rewrite of the target's data.
// collector (which may be nil) receives a Warnf describing every rule that
// actually changes tgt, so a reader of the diagnostic stream can see which
// symbols were resolved by which input without re-deriving the table.
func reconcile(src, tgt *Symbol, sourceIsLibc bool, collector *diag.Collector, enqueueRewrite func()) {
	copyInto := func() {
		tgt.Scope = src.Scope
		tgt.Kind = src.Kind
		tgt.Value = src.Value
	}

	switch {
	// weak(any) <-> weak(any): value=0 source keeps target; defined source
	// copies into target.
	case src.Scope == ScopeWeak && tgt.Scope == ScopeWeak:
		if src.Value == 0 {
			return // keep target
		}
		collector.Warnf("merge", "symbol %q: weak source (value=0x%x) overrides weak target", src.Name, src.Value)
		copyInto()
		return

	// global/weak defined source resolving a target import.
	case (src.Scope == ScopeGlobal || src.Scope == ScopeWeak) && src.Value != 0 && tgt.Scope == ScopeImport:
		collector.Warnf("merge", "symbol %q: import resolved to value 0x%x", src.Name, src.Value)
		copyInto()
		return

	// import source against a defining target: keep target.
	case src.Scope == ScopeImport && (tgt.Scope == ScopeGlobal || tgt.Scope == ScopeWeak):
		return

	// global defined source resolving a weak-undefined target.
	case src.Scope == ScopeGlobal && src.Value != 0 && tgt.Scope == ScopeWeak && tgt.Value == 0:
		collector.Warnf("merge", "symbol %q: global source resolves weak-undefined target to value 0x%x", src.Name, src.Value)
		copyInto()
		return

	// weak-undefined source against a global target: keep target.
	case src.Scope == ScopeWeak && src.Value == 0 && tgt.Scope == ScopeGlobal:
		return

	// _init/_fini special-casing: only a source image named "libc.so" may
	// override these.
	case src.Name == "_init" || src.Name == "_fini":
		if sourceIsLibc {
			collector.Warnf("merge", "%q overridden by libc.so source (value=0x%x)", src.Name, src.Value)
			copyInto()
		}
		return

	// equal-size global data on both sides: keep target, but queue a
	// merge-time copy of the source's bytes against any Copy relocation
	// referencing this name.
	case src.Kind == KindData && src.Scope == ScopeGlobal &&
		tgt.Kind == KindData && tgt.Scope == ScopeGlobal && src.Size == tgt.Size:
		collector.Notef("merge", "symbol %q: equal-size data pair queued for copy-relocation splice", src.Name)
		enqueueRewrite()
		return

	case reflect.DeepEqual(src, tgt):
		return

	default:
		fault("merge: unresolvable symbol pair %q (source scope=%v target scope=%v)", src.Name, src.Scope, tgt.Scope)
	}
}

// readSymbolBytes returns up to sym.Size bytes starting at sym.Value from
// img's segments, zero-padding past the end of whichever segment's Data
// falls short.
func readSymbolBytes(img *Image, sym *Symbol) []byte {
	out := make([]byte, sym.Size)
	seg := findSegment(img, sym.Value)
	if seg == nil {
		return out // no backing segment: all zero
	}
	off := sym.Value - seg.Addr
	for i := uint64(0); i < sym.Size; i++ {
		srcOff := off + i
		if srcOff < uint64(len(seg.Data)) {
			out[i] = seg.Data[srcOff]
		}
	}
	return out
}

// spliceBytes writes data into the segment containing addr at the
// corresponding offset, growing that segment's Data (and, if necessary,
// its Size) with zero fill so the write never goes out of bounds.
func spliceBytes(img *Image, addr uint64, data []byte) {
	seg := findSegment(img, addr)
	if seg == nil {
		fault("merge: copy-relocation target 0x%x has no backing segment", addr)
	}
	off := addr - seg.Addr
	need := off + uint64(len(data))
	if need > seg.Size {
		seg.Size = need
	}
	if need > uint64(len(seg.Data)) {
		grown := make([]byte, need)
		copy(grown, seg.Data)
		seg.Data = grown
	}
	copy(seg.Data[off:], data)
}

func findSegment(img *Image, addr uint64) *LoadSegment {
	for _, seg := range img.Segments {
		if addr >= seg.Addr && addr < seg.Addr+seg.Size {
			return seg
		}
	}
	return nil
}

// mergeDependencies folds source's dependency list into target's: add
// source dependencies not already present and not naming the target image
// itself, then drop any dependency that names the (now-subsumed) source
// image. collector (which may be nil) receives a Notef for every addition
// and every drop.
func mergeDependencies(source, target *Image, collector *diag.Collector) {
	present := make(map[string]bool, len(target.Dependencies))
	for _, d := range target.Dependencies {
		present[d] = true
	}
	targetNames := make(map[string]bool, len(target.Names))
	for _, n := range target.Names {
		targetNames[n] = true
	}

	merged := append([]string{}, target.Dependencies...)
	for _, d := range source.Dependencies {
		if present[d] || targetNames[d] {
			continue
		}
		merged = append(merged, d)
		present[d] = true
		collector.Notef("merge", "dependency %q pulled in from %v", d, source.Names)
	}

	sourceNames := make(map[string]bool, len(source.Names))
	for _, n := range source.Names {
		sourceNames[n] = true
	}

	filtered := merged[:0]
	for _, d := range merged {
		if sourceNames[d] {
			collector.Notef("merge", "dependency %q dropped: now subsumed by the merge", d)
			continue
		}
		filtered = append(filtered, d)
	}
	target.Dependencies = filtered
}
