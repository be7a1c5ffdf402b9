package parse

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/relink/internal/diag"
	"github.com/xyproto/relink/internal/repr"
)

// decodeRELR expands the compressed RELATIVE-relocation bitstream into
// individual Base relocations. Each materialized relocation's addend is
// read from the file bytes currently stored at its target address — the
// static linker pre-stamped the un-based addend there, it is not zero.
// collector, which may be nil, receives a Notef summarizing how many
// relocations came from bare addresses versus bitmap expansion.
func decodeRELR(stream []byte, raw []byte, addrToFileOff func(uint64) (uint64, bool), collector *diag.Collector) ([]*repr.Relocation, error) {
	var out []*repr.Relocation
	var cursor uint64
	var bareCount, bitmapCount int

	getAddend := func(addr uint64) (int64, error) {
		off, ok := addrToFileOff(addr)
		if !ok {
			return 0, fmt.Errorf("parse: RELR address 0x%x not covered by any segment", addr)
		}
		if off+8 > uint64(len(raw)) {
			return 0, fmt.Errorf("parse: RELR address 0x%x file offset out of range", addr)
		}
		return int64(binary.LittleEndian.Uint64(raw[off:])), nil
	}

	emit := func(addr uint64) error {
		addend, err := getAddend(addr)
		if err != nil {
			return err
		}
		out = append(out, &repr.Relocation{
			Offset: addr,
			Target: repr.RelocationTarget{Kind: repr.TargetBase, Addend: addend},
		})
		return nil
	}

	for off := 0; off+8 <= len(stream); off += 8 {
		entry := binary.LittleEndian.Uint64(stream[off:])
		if entry&1 == 0 {
			// Even entry: an 8-byte-aligned address.
			if err := emit(entry); err != nil {
				return nil, err
			}
			cursor = entry + 8
			bareCount++
			continue
		}
		// Odd entry: a 63-bit bitmap relative to cursor. Bit i (1-based
		// from bit 1) indicates a relocation at cursor + 8*i.
		bitmap := entry >> 1
		for i := 1; bitmap != 0; i++ {
			if bitmap&1 != 0 {
				if err := emit(cursor + 8*uint64(i)); err != nil {
					return nil, err
				}
				bitmapCount++
			}
			bitmap >>= 1
		}
		cursor += 8 * 63
	}
	collector.Notef("parse", "RELR stream: %d base addresses, %d bitmap-expanded relocations (%d total)",
		bareCount, bitmapCount, len(out))
	return out, nil
}
