// Package shim builds the position-independent, relocation-free trampoline
// that the emitter embeds when an image's interpreter is Internal. The
// trampoline fixes up AT_BASE, AT_ENTRY, and AT_PHNUM in the kernel's
// auxiliary vector, then tail-jumps into the embedded loader.
//
// The blob is assembled in process by this package's builder each time
// Code is called (the output is deterministic), and the result contains zero
// relocations: every address it needs is either PC-relative (recovered at
// runtime via the classic call/pop trick) or baked into a 32-byte data
// block the emitter appends and fills in at emission time.
package shim

// DataSize is the size in bytes of the data block the emitter appends
// immediately after Code(): four little-endian uint64 fields (userEntry,
// interpEntry, interpBase — all relative to the shim's own load address —
// and interpSegmentCount, stored verbatim).
const DataSize = 32

// builder assembles x86-64 machine code with label/fixup bookkeeping — the
// same reserve-then-patch discipline the emitter uses for the whole file,
// scaled down to one instruction stream.
//
// Two kinds of fixup are needed:
//   - pcRel: a call/jmp/jcc displacement, relative to the byte following
//     the instruction (standard x86 PC-relative semantics).
//   - labelDiff: a lea [base+disp32] displacement computed as the link-time
//     distance between two labels, used when base already holds the
//     runtime address of one of them (so adding the link-time distance to
//     the other yields that label's runtime address too).
type builder struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	pos     int // offset of the displacement field
	size    int // 1 or 4 bytes
	target  string
	base    string // "" for pcRel (relative to pos+size); set for labelDiff
}

func newBuilder() *builder { return &builder{labels: make(map[string]int)} }

func (b *builder) here() int        { return len(b.buf) }
func (b *builder) label(name string) { b.labels[name] = b.here() }
func (b *builder) emit(vs ...byte)   { b.buf = append(b.buf, vs...) }

func (b *builder) rel32(target string) {
	pos := b.here()
	b.emit(0, 0, 0, 0)
	b.fixups = append(b.fixups, fixup{pos: pos, size: 4, target: target})
}

func (b *builder) rel8(target string) {
	pos := b.here()
	b.emit(0)
	b.fixups = append(b.fixups, fixup{pos: pos, size: 1, target: target})
}

// leaFromLabel emits `lea dst, [baseReg + disp32]` where disp32 resolves to
// labels[target]-labels[base] once assembly finishes.
func (b *builder) leaFromLabel(dst, baseReg byte, base, target string) {
	b.emit(0x48, 0x8D, 0x80|(dst<<3)|baseReg, 0, 0, 0, 0)
	b.fixups = append(b.fixups, fixup{pos: b.here() - 4, size: 4, target: target, base: base})
}

func (b *builder) resolve() []byte {
	for _, f := range b.fixups {
		target, ok := b.labels[f.target]
		if !ok {
			panic("shim: undefined label " + f.target)
		}
		var disp int64
		if f.base != "" {
			base, ok := b.labels[f.base]
			if !ok {
				panic("shim: undefined label " + f.base)
			}
			disp = int64(target - base)
		} else {
			disp = int64(target - (f.pos + f.size))
		}
		for i := 0; i < f.size; i++ {
			b.buf[f.pos+i] = byte(disp >> (8 * i))
		}
	}
	return b.buf
}

// Register encodings used below (low 3 bits; all fit without a REX.B bit).
const (
	regRAX = 0
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
)

func (b *builder) movRegReg(dst, src byte) { b.emit(0x48, 0x89, 0xC0|(src<<3)|dst) } // mov dst, src
func (b *builder) push(r byte)              { b.emit(0x50 + r) }
func (b *builder) pop(r byte)               { b.emit(0x58 + r) }

// Code returns the machine-code prefix of the shim blob. It is entered at
// offset 0 as _start, with the kernel-provided stack pointer in RSP and
// nothing else guaranteed. The emitter places a DataSize-byte data block
// immediately after the bytes this function returns.
//
// Calling convention for the inlined fixup routine, following System V
// AMD64: RDI = original stack pointer, RSI = pointer to the data block,
// RDX = this blob's own runtime load address. It returns the jump target
// (the loader's entry point) in RAX via a plain `ret`.
func Code() []byte {
	b := newBuilder()

	b.label("_start")
	b.movRegReg(regRBP, regRSP) // mov rbp, rsp — stash the kernel-provided stack pointer
	b.push(regRBX)              // keep the stack 16-byte aligned across the call below
	b.emit(0xE8)
	b.rel32(".getpc")
	b.label(".getpc")
	b.pop(regRBX) // rbx = runtime address of .getpc

	b.leaFromLabel(regRDX, regRBX, ".getpc", "_start")    // rdx = own load address
	b.leaFromLabel(regRSI, regRBX, ".getpc", ".data")     // rsi = data block address
	b.movRegReg(regRDI, regRBP)                           // rdi = original stack pointer
	b.pop(regRBX)                                         // undo the alignment push
	b.emit(0x48, 0x83, 0xE4, 0xF0)                        // and rsp, -16
	b.emit(0xE8)
	b.rel32("fixup_auxv")
	b.movRegReg(regRSP, regRBP) // mov rsp, rbp
	b.emit(0xFF, 0xE0)          // jmp rax

	b.label("fixup_auxv")
	emitFixupAuxv(b)

	b.label(".data") // marks the end of Code(); BuildBlob appends the data block here
	return b.resolve()
}

// emitFixupAuxv assembles the auxiliary-vector patching routine: locate
// argc via RDI, skip argv and envp, then walk {tag,value} pairs until a
// zero tag, rewriting AT_BASE(7), AT_ENTRY(9), and AT_PHNUM(5).
func emitFixupAuxv(b *builder) {
	b.emit(0x48, 0x8B, 0x07)       // mov rax, [rdi]        ; argc
	b.emit(0x48, 0x83, 0xC0, 0x02) // add rax, 2            ; argc + 2 (documented skip count)
	b.emit(0x48, 0x8D, 0x3C, 0xC7) // lea rdi, [rdi + rax*8] ; past argc, argv[], terminating NULL

	b.label(".envp_scan")
	b.emit(0x48, 0x8B, 0x07)       // mov rax, [rdi]
	b.emit(0x48, 0x83, 0xC7, 0x08) // add rdi, 8
	b.emit(0x48, 0x85, 0xC0)       // test rax, rax
	b.emit(0x75)                   // jnz .envp_scan
	b.rel8(".envp_scan")
	// Loop exit: rdi was already advanced past envp's terminating NULL in
	// the iteration that read it, so rdi already equals &auxv[0].

	b.label(".auxv_loop")
	b.emit(0x48, 0x8B, 0x07) // mov rax, [rdi]   ; tag
	b.emit(0x48, 0x85, 0xC0) // test rax, rax
	b.emit(0x74)              // je .auxv_done
	b.rel8(".auxv_done")

	b.emit(0x48, 0x83, 0xF8, 0x07) // cmp rax, 7   ; AT_BASE
	b.emit(0x75)
	b.rel8(".try_entry")
	b.emit(0x48, 0x8B, 0x46, 0x10) // mov rax, [rsi+16]     ; interpBase_rel
	b.emit(0x48, 0x01, 0xD0)       // add rax, rdx          ; + own base
	b.emit(0x48, 0x89, 0x47, 0x08) // mov [rdi+8], rax
	b.emit(0xEB)
	b.rel8(".next_pair")

	b.label(".try_entry")
	b.emit(0x48, 0x83, 0xF8, 0x09) // cmp rax, 9   ; AT_ENTRY
	b.emit(0x75)
	b.rel8(".try_phnum")
	b.emit(0x48, 0x8B, 0x06)       // mov rax, [rsi]        ; userEntry_rel
	b.emit(0x48, 0x01, 0xD0)       // add rax, rdx
	b.emit(0x48, 0x89, 0x47, 0x08) // mov [rdi+8], rax
	b.emit(0xEB)
	b.rel8(".next_pair")

	b.label(".try_phnum")
	b.emit(0x48, 0x83, 0xF8, 0x05) // cmp rax, 5   ; AT_PHNUM
	b.emit(0x75)
	b.rel8(".next_pair")
	b.emit(0x48, 0x8B, 0x46, 0x18) // mov rax, [rsi+24]     ; interpSegmentCount, stored verbatim
	b.emit(0x48, 0x89, 0x47, 0x08) // mov [rdi+8], rax

	b.label(".next_pair")
	b.emit(0x48, 0x83, 0xC7, 0x10) // add rdi, 16
	b.emit(0xEB)
	b.rel8(".auxv_loop")

	b.label(".auxv_done")
	b.emit(0x48, 0x8B, 0x46, 0x08) // mov rax, [rsi+8] ; interpEntry_rel
	b.emit(0x48, 0x01, 0xD0)       // add rax, rdx     ; rax = absolute jump target
	b.emit(0xC3)                   // ret
}

// BuildBlob concatenates Code() with the 32-byte data block and pads the
// result to a multiple of 256 bytes, per the emitter's layout contract.
// userEntry, interpEntry, and interpBase are absolute file/virtual
// addresses (already imageFileOffset-biased); shimBase is the shim's own
// final virtual address. interpSegmentCount is stored verbatim.
func BuildBlob(shimBase, userEntry, interpEntry, interpBase, interpSegmentCount uint64) []byte {
	code := Code()
	data := make([]byte, DataSize)
	putU64(data[0:8], userEntry-shimBase)
	putU64(data[8:16], interpEntry-shimBase)
	putU64(data[16:24], interpBase-shimBase)
	putU64(data[24:32], interpSegmentCount)

	blob := append(append([]byte{}, code...), data...)
	if pad := -len(blob) & 255; pad > 0 {
		blob = append(blob, make([]byte, pad)...)
	}
	return blob
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
