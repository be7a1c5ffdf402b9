package emit

import "bytes"

// stringTable is a deduplicated, null-terminated byte pool, mirroring the
// teacher's dynstr/dynstrMap pattern: the first byte is always the empty
// string at offset 0.
type stringTable struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStringTable() *stringTable {
	st := &stringTable{off: make(map[string]uint32)}
	st.buf.WriteByte(0)
	st.off[""] = 0
	return st
}

func (st *stringTable) add(s string) uint32 {
	if off, ok := st.off[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.off[s] = off
	return off
}

func (st *stringTable) offsetOf(s string) uint32 { return st.off[s] }

func (st *stringTable) bytes() []byte { return st.buf.Bytes() }

func (st *stringTable) len() int { return st.buf.Len() }
