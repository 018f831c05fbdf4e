package plugin

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

// ColumnType is the logical type of a batch column.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeBool     ColumnType = "bool"
	TypeString   ColumnType = "string"
	TypeDatetime ColumnType = "datetime"
	TypeBytes    ColumnType = "bytes"
)

// Column names and types one field of a batch.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Batch is the data an extractor hands to a loader, plus what the loader
// needs to close out the manifest entry.
type Batch struct {
	// Table is the manifest key, the source table name.
	Table string `json:"table"`
	// Target is the table, collection or object name to write to.
	Target            string                     `json:"target"`
	ReplicationMethod manifest.ReplicationMethod `json:"replication_method"`
	Columns           []Column                   `json:"columns"`
	Rows              [][]any                    `json:"rows"`
	// Watermark is the highest iterate column value seen, if any.
	Watermark *manifest.Point `json:"watermark,omitempty"`
}

// Empty reports whether b carries no rows.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Rows) == 0
}

// Len is the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// ColumnIndex returns the position of name, or -1.
func (b *Batch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Max returns the highest non-nil value of column, matched case-insensitively,
// or nil when the column is missing or holds only nulls.
func (b *Batch) Max(column string) any {
	if b == nil || column == "" {
		return nil
	}
	idx := -1
	for i, c := range b.Columns {
		if strings.EqualFold(c.Name, column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	var best any
	for _, row := range b.Rows {
		if v := row[idx]; v != nil && (best == nil || Less(best, v)) {
			best = v
		}
	}
	return best
}

// SetWatermark stores the maximum of column as b.Watermark. Time values are
// rendered with timeLayout so they compare correctly against the source.
func (b *Batch) SetWatermark(column, valueType, timeLayout string) error {
	v := b.Max(column)
	if v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		if timeLayout == "" {
			timeLayout = time.RFC3339Nano
		}
		v = t.UTC().Format(timeLayout)
	}
	p, err := FormatPoint(v, valueType)
	if err != nil {
		return err
	}
	b.Watermark = &p
	return nil
}

// Records returns the rows as column-name keyed maps.
func (b *Batch) Records() []map[string]any {
	out := make([]map[string]any, 0, len(b.Rows))
	for _, row := range b.Rows {
		rec := make(map[string]any, len(b.Columns))
		for i, c := range b.Columns {
			if i < len(row) {
				rec[c.Name] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// InferType maps a driver value to a column type. nil reports ok=false.
func InferType(v any) (ColumnType, bool) {
	switch v.(type) {
	case nil:
		return "", false
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt, true
	case float32, float64:
		return TypeFloat, true
	case bool:
		return TypeBool, true
	case time.Time:
		return TypeDatetime, true
	case []byte:
		return TypeBytes, true
	}
	return TypeString, true
}

// InferColumns fills in column types from the first non-nil value of each
// column. Columns that are nil throughout become strings.
func (b *Batch) InferColumns(names []string) {
	b.Columns = make([]Column, len(names))
	for i, n := range names {
		b.Columns[i] = Column{Name: n, Type: TypeString}
		for _, row := range b.Rows {
			if t, ok := InferType(row[i]); ok {
				b.Columns[i].Type = t
				break
			}
		}
	}
}

// FormatPoint renders a watermark value for the manifest. valueType follows
// iterate_column_type; when empty it is inferred from v.
func FormatPoint(v any, valueType string) (manifest.Point, error) {
	if valueType == "" {
		t, ok := InferType(v)
		if !ok {
			return manifest.Point{}, fmt.Errorf("cannot format nil watermark")
		}
		valueType = string(t)
		if t == TypeBytes || t == TypeBool {
			valueType = string(TypeString)
		}
	}

	var s string
	switch valueType {
	case string(TypeDatetime):
		switch t := v.(type) {
		case time.Time:
			s = t.UTC().Format(time.RFC3339Nano)
		default:
			s = asString(v)
		}
	case string(TypeFloat):
		f, err := strconv.ParseFloat(asString(v), 64)
		if err != nil {
			return manifest.Point{}, fmt.Errorf("watermark %v is not a float: %w", v, err)
		}
		s = strconv.FormatFloat(f, 'f', -1, 64)
	case string(TypeInt):
		s = asString(v)
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			s = strconv.FormatInt(int64(f), 10)
		}
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return manifest.Point{}, fmt.Errorf("watermark %v is not an int: %w", v, err)
		}
	default:
		s = asString(v)
	}
	return manifest.Point{Value: s, Type: valueType}, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

// Less compares two values of the same column for watermark tracking.
func Less(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Before(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return string(x) < string(y)
		}
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa < fb
	}
	return asString(a) < asString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
