package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind mirrors change-data semantics of an incoming row.
type Kind int8

const (
	Insert Kind = iota
	UpdateBefore
	UpdateAfter
	Delete
)

var kindNames = map[Kind]string{
	Insert:       "insert",
	UpdateBefore: "update_before",
	UpdateAfter:  "update_after",
	Delete:       "delete",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind accepts the long names as well as the short changelog notation
// (+I, -U, +U, -D). The empty string is an insert.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "insert", "+i":
		return Insert, nil
	case "update_before", "-u":
		return UpdateBefore, nil
	case "update_after", "update", "+u":
		return UpdateAfter, nil
	case "delete", "-d":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown row kind %q", s)
}

// Retracts reports whether rows of this kind remove their key.
func (k Kind) Retracts() bool {
	return k == Delete || k == UpdateBefore
}

// Row is a logical record. Values follow the schema field order; a nil value
// is a SQL NULL.
type Row struct {
	Kind   Kind
	Values []any
}

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt64   FieldType = "int64"
	TypeFloat64 FieldType = "float64"
	TypeBool    FieldType = "bool"
	TypeBytes   FieldType = "bytes"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeInt64, TypeFloat64, TypeBool, TypeBytes:
		return true
	}
	return false
}

type Field struct {
	Name string    `yaml:"name" json:"name"`
	Type FieldType `yaml:"type" json:"type"`
}

// Schema describes the rows a codec handles.
type Schema struct {
	Fields     []Field  `yaml:"fields" json:"fields"`
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
}

// Validate checks field types, name uniqueness and that every primary key
// column names a field.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field at index %d is missing name", i)
		}
		if !f.Type.valid() {
			return fmt.Errorf("field '%s' has unsupported type %q", f.Name, f.Type)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate field '%s'", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if len(s.PrimaryKey) == 0 {
		return fmt.Errorf("schema has no primary key")
	}
	for _, k := range s.PrimaryKey {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("primary key column '%s' is not a field", k)
		}
	}
	return nil
}

// Names returns the field names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s Schema) index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// RowFromMap builds a row from named values, coercing each to its field type.
// Missing fields are NULL; unknown names are rejected.
func (s Schema) RowFromMap(kind Kind, values map[string]any) (Row, error) {
	row := Row{Kind: kind, Values: make([]any, len(s.Fields))}
	for name, v := range values {
		i := s.index(name)
		if i < 0 {
			return Row{}, fmt.Errorf("%w: unknown field '%s'", ErrEncode, name)
		}
		c, err := coerce(v, s.Fields[i].Type)
		if err != nil {
			return Row{}, fmt.Errorf("%w: field '%s': %v", ErrEncode, name, err)
		}
		row.Values[i] = c
	}
	return row, nil
}

// Map returns the row's values keyed by field name.
func (s Schema) Map(row Row) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for i, f := range s.Fields {
		if i < len(row.Values) {
			out[f.Name] = row.Values[i]
		}
	}
	return out
}

// coerce converts loosely typed input (JSON numbers, query strings) into the
// Go type used for t.
func coerce(v any, t FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case json.Number:
			return x.String(), nil
		}
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			// float64(MaxInt64) rounds up to 2^63, which is already out of range.
			if x < math.MinInt64 || x >= math.MaxInt64 {
				return nil, fmt.Errorf("%v overflows int64", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case TypeFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}
