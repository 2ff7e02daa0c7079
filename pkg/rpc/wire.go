package rpc

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Encoder composes a positional-argument payload out of raw primitive
// writes, per spec §4.H: "primitives are raw bytes; container sizes are
// length-prefixed; optional is bool + payload." There is no type tag or
// self-describing schema on the wire — the caller and callee agree on
// argument order and type exactly as they did with the gob encoder this
// replaces, only now the composition is explicit instead of reflected.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder ready to accumulate a payload.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutByte(v byte) { e.buf = append(e.buf, v) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }
func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

func (e *Encoder) PutFloat32(v float32) { e.PutUint32(math.Float32bits(v)) }
func (e *Encoder) PutFloat64(v float64) { e.PutUint64(math.Float64bits(v)) }

// PutBytes writes a length-prefixed byte string.
func (e *Encoder) PutBytes(v []byte) {
	e.PutUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

// PutString writes a length-prefixed string.
func (e *Encoder) PutString(v string) { e.PutBytes([]byte(v)) }

// PutIntSlice writes a length-prefixed slice of ints, each as int64.
func (e *Encoder) PutIntSlice(v []int) {
	e.PutUint32(uint32(len(v)))
	for _, n := range v {
		e.PutInt64(int64(n))
	}
}

// PutFloat32Slice writes a length-prefixed slice of float32s.
func (e *Encoder) PutFloat32Slice(v []float32) {
	e.PutUint32(uint32(len(v)))
	for _, f := range v {
		e.PutFloat32(f)
	}
}

// Decoder reads back a payload composed by Encoder, in the same order
// it was written.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential reads.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) need(n int) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return errors.New("rpc: wire: short buffer")
	}
	return nil
}

func (d *Decoder) Byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	return b != 0, err
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

func (d *Decoder) Float32() (float32, error) {
	v, err := d.Uint32()
	return math.Float32frombits(v), err
}

func (d *Decoder) Float64() (float64, error) {
	v, err := d.Uint64()
	return math.Float64frombits(v), err
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

func (d *Decoder) IntSlice() ([]int, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		v, err := d.Int64()
		if err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

func (d *Decoder) Float32Slice() ([]float32, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		v, err := d.Float32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Marshaler is implemented by any composite argument/return type that
// crosses the RPC boundary, composing its own encoding out of Encoder's
// primitive writers instead of being reflected over.
type Marshaler interface {
	MarshalWire(e *Encoder)
}

// Unmarshaler is Marshaler's decode-side counterpart.
type Unmarshaler interface {
	UnmarshalWire(d *Decoder) error
}
