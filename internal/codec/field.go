package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	markNull    byte = 0
	markPresent byte = 1
)

// appendField writes one value as a presence marker followed by its typed
// payload. Strings and bytes are uvarint length prefixed, integers are
// zig-zag varints, floats are 8 big-endian bytes.
func appendField(buf []byte, v any, t FieldType) ([]byte, error) {
	if v == nil {
		return append(buf, markNull), nil
	}
	c, err := coerce(v, t)
	if err != nil {
		return nil, err
	}
	buf = append(buf, markPresent)
	switch t {
	case TypeString:
		s := c.(string)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...), nil
	case TypeBytes:
		b := c.([]byte)
		buf = binary.AppendUvarint(buf, uint64(len(b)))
		return append(buf, b...), nil
	case TypeInt64:
		return binary.AppendVarint(buf, c.(int64)), nil
	case TypeFloat64:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(c.(float64))), nil
	case TypeBool:
		if c.(bool) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

type fieldReader struct {
	buf []byte
	off int
}

func (r *fieldReader) remaining() int { return len(r.buf) - r.off }

func (r *fieldReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("unexpected end of value at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *fieldReader) next(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *fieldReader) read(t FieldType) (any, error) {
	mark, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch mark {
	case markNull:
		return nil, nil
	case markPresent:
	default:
		return nil, fmt.Errorf("bad field marker %d at offset %d", mark, r.off-1)
	}

	switch t {
	case TypeString, TypeBytes:
		n, sz := binary.Uvarint(r.buf[r.off:])
		if sz <= 0 {
			return nil, fmt.Errorf("bad length at offset %d", r.off)
		}
		r.off += sz
		if n > uint64(r.remaining()) {
			return nil, fmt.Errorf("length %d exceeds value at offset %d", n, r.off)
		}
		b, err := r.next(int(n))
		if err != nil {
			return nil, err
		}
		if t == TypeString {
			return string(b), nil
		}
		return append([]byte(nil), b...), nil
	case TypeInt64:
		v, sz := binary.Varint(r.buf[r.off:])
		if sz <= 0 {
			return nil, fmt.Errorf("bad varint at offset %d", r.off)
		}
		r.off += sz
		return v, nil
	case TypeFloat64:
		b, err := r.next(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case TypeBool:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}
