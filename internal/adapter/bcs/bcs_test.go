package bcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  []byte
	}{
		{name: "uleb128 single byte", write: func(w *Writer) { w.Uleb128(127) }, want: []byte{0x7f}},
		{name: "uleb128 two bytes", write: func(w *Writer) { w.Uleb128(300) }, want: []byte{0xac, 0x02}},
		{name: "u64", write: func(w *Writer) { w.U64(1) }, want: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{name: "vec", write: func(w *Writer) { w.Vec([]byte{9, 8}) }, want: []byte{2, 9, 8}},
		{name: "strings", write: func(w *Writer) { w.Strs([]string{"a", "bc"}) }, want: []byte{2, 1, 'a', 2, 'b', 'c'}},
		{name: "fixed", write: func(w *Writer) { w.U8(3); w.Fixed([]byte{4, 5}) }, want: []byte{3, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w Writer
			tt.write(&w)
			assert.Equal(t, tt.want, w.Bytes())
		})
	}
}
