// Package codec turns rows into pending store writes and stored values back
// into rows.
package codec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kvbridge/internal/store"
)

var (
	ErrEncode = errors.New("codec: encode")
	ErrDecode = errors.New("codec: decode")
)

// DataType selects how a row is laid out in the store.
type DataType string

const (
	// DataString stores the whole row as one encoded value.
	DataString DataType = "string"
	// DataMap stores one hash field per column.
	DataMap DataType = "map"
)

// KeySeparator joins the key prefix and primary key values. Values are not
// escaped, so composite keys whose string columns contain the separator can
// collide: ("a:b", "c") and ("a", "b:c") map to the same key.
const KeySeparator = ":"

// Codec is the boundary between rows and the store.
type Codec interface {
	// Key builds the store key from primary key values given in primary key
	// order.
	Key(values ...any) ([]byte, error)
	// RowKey builds the store key of a full row.
	RowKey(row Row) ([]byte, error)
	// Encode turns a row into a pending write.
	Encode(row Row) (*store.Write, error)
	// Load reads and decodes the row stored under key. It returns a nil row
	// when nothing is stored there.
	Load(ctx context.Context, r store.Reader, key []byte) (*Row, error)
	Schema() Schema
}

// New builds a codec for the given layout. ttl is attached to every upsert;
// zero means keys never expire.
func New(schema Schema, dataType DataType, keyPrefix string, ttl time.Duration) (Codec, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("negative expiration %s", ttl)
	}
	keyIdx := make([]int, len(schema.PrimaryKey))
	for i, name := range schema.PrimaryKey {
		keyIdx[i] = schema.index(name)
	}
	b := base{schema: schema, prefix: keyPrefix, ttl: ttl, keyIdx: keyIdx}
	switch dataType {
	case DataString, "":
		return &stringCodec{base: b}, nil
	case DataMap:
		return &mapCodec{base: b}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", dataType)
	}
}

type base struct {
	schema Schema
	prefix string
	ttl    time.Duration
	keyIdx []int
}

func (b *base) Schema() Schema { return b.schema }

func (b *base) Key(values ...any) ([]byte, error) {
	if len(values) != len(b.keyIdx) {
		return nil, fmt.Errorf("%w: expected %d key values, got %d", ErrEncode, len(b.keyIdx), len(values))
	}
	var sb strings.Builder
	sb.WriteString(b.prefix)
	for i, v := range values {
		f := b.schema.Fields[b.keyIdx[i]]
		c, err := coerce(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: key column '%s': %v", ErrEncode, f.Name, err)
		}
		if c == nil {
			return nil, fmt.Errorf("%w: key column '%s' is null", ErrEncode, f.Name)
		}
		if i > 0 || b.prefix != "" {
			sb.WriteString(KeySeparator)
		}
		sb.WriteString(formatKey(c))
	}
	return []byte(sb.String()), nil
}

func formatKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func (b *base) RowKey(row Row) ([]byte, error) {
	if len(row.Values) != len(b.schema.Fields) {
		return nil, fmt.Errorf("%w: row has %d values, schema has %d fields", ErrEncode, len(row.Values), len(b.schema.Fields))
	}
	keys := make([]any, len(b.keyIdx))
	for i, idx := range b.keyIdx {
		keys[i] = row.Values[idx]
	}
	return b.Key(keys...)
}

// encode handles the parts shared by both layouts; value is only called for
// upserts.
func (b *base) encode(row Row, value func(w *store.Write) error) (*store.Write, error) {
	key, err := b.RowKey(row)
	if err != nil {
		return nil, err
	}
	if row.Kind.Retracts() {
		return &store.Write{Key: key, Op: store.OpDelete}, nil
	}
	w := &store.Write{Key: key, Op: store.OpUpsert, TTL: b.ttl}
	if err := value(w); err != nil {
		return nil, err
	}
	return w, nil
}

type stringCodec struct {
	base
}

func (c *stringCodec) Encode(row Row) (*store.Write, error) {
	return c.encode(row, func(w *store.Write) error {
		var buf []byte
		for i, f := range c.schema.Fields {
			var err error
			buf, err = appendField(buf, row.Values[i], f.Type)
			if err != nil {
				return fmt.Errorf("%w: field '%s': %v", ErrEncode, f.Name, err)
			}
		}
		w.Value = buf
		return nil
	})
}

func (c *stringCodec) Load(ctx context.Context, r store.Reader, key []byte) (*Row, error) {
	raw, err := r.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.decode(raw)
}

func (c *stringCodec) decode(raw []byte) (*Row, error) {
	rd := &fieldReader{buf: raw}
	row := &Row{Kind: Insert, Values: make([]any, len(c.schema.Fields))}
	for i, f := range c.schema.Fields {
		v, err := rd.read(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: field '%s': %v", ErrDecode, f.Name, err)
		}
		row.Values[i] = v
	}
	if rd.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, rd.remaining())
	}
	return row, nil
}

type mapCodec struct {
	base
}

func (c *mapCodec) Encode(row Row) (*store.Write, error) {
	return c.encode(row, func(w *store.Write) error {
		w.Fields = make(map[string][]byte, len(c.schema.Fields))
		for i, f := range c.schema.Fields {
			b, err := appendField(nil, row.Values[i], f.Type)
			if err != nil {
				return fmt.Errorf("%w: field '%s': %v", ErrEncode, f.Name, err)
			}
			w.Fields[f.Name] = b
		}
		return nil
	})
}

// Load treats fields missing from the stored hash as NULL.
func (c *mapCodec) Load(ctx context.Context, r store.Reader, key []byte) (*Row, error) {
	fields, err := r.HGetAll(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row := &Row{Kind: Insert, Values: make([]any, len(c.schema.Fields))}
	for i, f := range c.schema.Fields {
		raw, ok := fields[f.Name]
		if !ok {
			continue
		}
		rd := &fieldReader{buf: raw}
		v, err := rd.read(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: field '%s': %v", ErrDecode, f.Name, err)
		}
		if rd.remaining() != 0 {
			return nil, fmt.Errorf("%w: field '%s': %d trailing bytes", ErrDecode, f.Name, rd.remaining())
		}
		row.Values[i] = v
	}
	return row, nil
}
