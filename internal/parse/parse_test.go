package parse

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/relink/internal/repr"
)

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestDecodeRELRSingleAddress(t *testing.T) {
	// One even entry: address 0x2000, 8-byte aligned.
	stream := le64(0x2000)

	raw := make([]byte, 0x3000)
	copy(raw[0x2000:], le64(0x12345678)) // pre-stamped addend at the target

	addrToFileOff := func(addr uint64) (uint64, bool) { return addr, true } // identity mapping for the test

	relocs, err := decodeRELR(stream, raw, addrToFileOff, nil)
	if err != nil {
		t.Fatalf("decodeRELR: %v", err)
	}
	if len(relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(relocs))
	}
	r := relocs[0]
	if r.Offset != 0x2000 {
		t.Errorf("offset = 0x%x, want 0x2000", r.Offset)
	}
	if r.Target.Kind != repr.TargetBase {
		t.Errorf("kind = %v, want TargetBase", r.Target.Kind)
	}
	if r.Target.Addend != 0x12345678 {
		t.Errorf("addend = 0x%x, want 0x12345678", r.Target.Addend)
	}
}

func TestDecodeRELRBitmapFollowsBaseAddress(t *testing.T) {
	// Base address 0x1000, then a bitmap with entry bits 1 and 2 set, meaning
	// relocations at cursor+8*1 and cursor+8*2 where cursor = 0x1000+8.
	bitmapPayload := uint64(0b11)           // entry bits 1 and 2, before the shift
	bitmapEntry := (bitmapPayload << 1) | 1 // bit 0 marks a bitmap entry

	stream := append(le64(0x1000), le64(bitmapEntry)...)

	raw := make([]byte, 0x2000)
	cursor := uint64(0x1008)
	copy(raw[0x1000:], le64(0)) // addend for the base address itself
	copy(raw[cursor+8:], le64(0xaa))
	copy(raw[cursor+16:], le64(0xbb))

	addrToFileOff := func(addr uint64) (uint64, bool) { return addr, true }

	relocs, err := decodeRELR(stream, raw, addrToFileOff, nil)
	if err != nil {
		t.Fatalf("decodeRELR: %v", err)
	}
	if len(relocs) != 3 {
		t.Fatalf("expected 3 relocations (1 base + 2 bitmap bits), got %d", len(relocs))
	}
	if relocs[1].Offset != cursor+8 || relocs[2].Offset != cursor+16 {
		t.Errorf("unexpected bitmap-derived offsets: %x %x", relocs[1].Offset, relocs[2].Offset)
	}
	if relocs[1].Target.Addend != 0xaa || relocs[2].Target.Addend != 0xbb {
		t.Errorf("unexpected bitmap-derived addends: %x %x", relocs[1].Target.Addend, relocs[2].Target.Addend)
	}
}
