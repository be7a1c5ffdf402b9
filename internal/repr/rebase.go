package repr

// Rebase uniformly shifts every virtual address in the image by offset:
// segment addresses, non-zero symbol values, relocation offsets,
// Base-relocation addends, initializer/finalizer addresses, the entry
// point, and an internal interpreter's own base/entry. Absolute symbols
// and non-Base relocation targets are left alone.
//
// rebase(0) is a no-op, and rebase(a) followed by rebase(b) is equivalent
// to a single rebase(a+b) — every field here is shifted by plain addition,
// so composition is automatically linear.
func (img *Image) Rebase(offset uint64) {
	if offset == 0 {
		return
	}

	for _, seg := range img.Segments {
		seg.Addr += offset
	}

	for _, sym := range img.Symbols {
		if sym.Abs || sym.Value == 0 {
			continue
		}
		sym.Value += offset
	}

	for _, rel := range img.Relocations {
		rel.Offset += offset
		if rel.Target.Kind == TargetBase {
			rel.Target.Addend += int64(offset)
		}
	}

	for i := range img.Initializers {
		img.Initializers[i] += offset
	}
	for i := range img.Finalizers {
		img.Finalizers[i] += offset
	}

	img.Entry += offset

	if img.Interpreter.Kind == InterpInternal {
		img.Interpreter.Base += offset
		img.Interpreter.Entry += offset
	}
}
