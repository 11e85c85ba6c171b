// Package borsh writes the Borsh layouts shared by NEP-413 payloads and NEAR
// transactions on top of the gagliardetto binary encoder.
package borsh

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/holiman/uint256"
)

// Writer accumulates Borsh-encoded fields. The first error sticks and is
// reported by Bytes.
type Writer struct {
	buf *bytes.Buffer
	enc *bin.Encoder
	err error
}

// NewWriter creates an empty writer
func NewWriter() *Writer {
	buf := new(bytes.Buffer)
	return &Writer{buf: buf, enc: bin.NewBorshEncoder(buf)}
}

func (w *Writer) do(fn func() error) *Writer {
	if w.err == nil {
		w.err = fn()
	}
	return w
}

// U8 writes a single byte, also used for enum discriminants
func (w *Writer) U8(v uint8) *Writer {
	return w.do(func() error { return w.enc.WriteUint8(v) })
}

func (w *Writer) U32(v uint32) *Writer {
	return w.do(func() error { return w.enc.WriteUint32(v, binary.LittleEndian) })
}

func (w *Writer) U64(v uint64) *Writer {
	return w.do(func() error { return w.enc.WriteUint64(v, binary.LittleEndian) })
}

// U128 writes v as 16 little-endian bytes; values wider than 128 bits are rejected
func (w *Writer) U128(v *uint256.Int) *Writer {
	return w.do(func() error {
		if v.BitLen() > 128 {
			return fmt.Errorf("value %s overflows u128", v.Dec())
		}
		hi := new(uint256.Int).Rsh(v, 64)
		if err := w.enc.WriteUint64(v.Uint64(), binary.LittleEndian); err != nil {
			return err
		}
		return w.enc.WriteUint64(hi.Uint64(), binary.LittleEndian)
	})
}

// Fixed writes b without a length prefix, as for [u8; N]
func (w *Writer) Fixed(b []byte) *Writer {
	return w.do(func() error { return w.enc.WriteBytes(b, false) })
}

// Vec writes a Vec<u8>: u32 length followed by the raw bytes
func (w *Writer) Vec(b []byte) *Writer {
	w.U32(uint32(len(b)))
	return w.Fixed(b)
}

// String writes a UTF-8 string with a u32 length prefix
func (w *Writer) String(s string) *Writer {
	return w.Vec([]byte(s))
}

// OptionalString writes Option<String>, None when s is nil
func (w *Writer) OptionalString(s *string) *Writer {
	if s == nil {
		return w.do(func() error { return w.enc.WriteBool(false) })
	}
	w.do(func() error { return w.enc.WriteBool(true) })
	return w.String(*s)
}

// Bytes returns the encoded bytes or the first error encountered
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}
