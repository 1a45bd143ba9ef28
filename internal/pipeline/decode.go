package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"kvbridge/internal/codec"
)

// Record is the wire form of one change on the input stream, e.g.
//
//	{"kind": "+I", "values": {"id": 1, "name": "ada"}}
type Record struct {
	Kind   string         `json:"kind"`
	Values map[string]any `json:"values"`
}

// Decoder turns a stream of JSON records into rows of the configured schema.
type Decoder struct {
	dec    *json.Decoder
	schema codec.Schema
	n      int
}

func NewDecoder(r io.Reader, schema codec.Schema) *Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Decoder{dec: dec, schema: schema}
}

// Next returns the next row, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (codec.Row, error) {
	var rec Record
	if err := d.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return codec.Row{}, io.EOF
		}
		return codec.Row{}, fmt.Errorf("record %d: %w", d.n+1, err)
	}
	d.n++
	return Parse(d.schema, rec)
}

// Parse converts one wire record into a row.
func Parse(schema codec.Schema, rec Record) (codec.Row, error) {
	kind, err := codec.ParseKind(rec.Kind)
	if err != nil {
		return codec.Row{}, fmt.Errorf("%w: %v", codec.ErrEncode, err)
	}
	if len(rec.Values) == 0 {
		return codec.Row{}, fmt.Errorf("%w: record has no values", codec.ErrEncode)
	}
	return schema.RowFromMap(kind, rec.Values)
}
