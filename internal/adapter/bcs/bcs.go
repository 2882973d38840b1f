// Package bcs writes the subset of Binary Canonical Serialization used by
// the Move-based chain adapters.
package bcs

import "encoding/binary"

// Writer appends BCS-encoded values to a buffer
type Writer struct {
	buf []byte
}

// Bytes returns the encoded buffer
func (w *Writer) Bytes() []byte { return w.buf }

// Uleb128 writes a variable-length length or enum tag
func (w *Writer) Uleb128(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// U8 writes one byte
func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

// U64 writes a little-endian uint64
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// Fixed writes raw bytes with no length prefix
func (w *Writer) Fixed(v []byte) { w.buf = append(w.buf, v...) }

// Vec writes length-prefixed bytes
func (w *Writer) Vec(v []byte) {
	w.Uleb128(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// Str writes a length-prefixed string
func (w *Writer) Str(s string) { w.Vec([]byte(s)) }

// Strs writes a vector of strings
func (w *Writer) Strs(v []string) {
	w.Uleb128(uint64(len(v)))
	for _, s := range v {
		w.Str(s)
	}
}
