package parquet

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goparquet "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

func arrowType(t plugin.ColumnType) arrow.DataType {
	switch t {
	case plugin.TypeInt:
		return arrow.PrimitiveTypes.Int64
	case plugin.TypeFloat:
		return arrow.PrimitiveTypes.Float64
	case plugin.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case plugin.TypeDatetime:
		return timestampType
	case plugin.TypeBytes:
		return arrow.BinaryTypes.Binary
	}
	return arrow.BinaryTypes.String
}

// schemaOf maps the batch columns plus etl_time to an Arrow schema.
func schemaOf(cols []plugin.Column) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(cols)+1)
	for _, c := range cols {
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true})
	}
	fields = append(fields, arrow.Field{Name: sqldb.EtlTimeColumn, Type: timestampType, Nullable: true})
	return arrow.NewSchema(fields, nil)
}

// buildRecord converts the batch into a single Arrow record. The caller
// releases it.
func buildRecord(mem memory.Allocator, data *plugin.Batch, startTime time.Time) (arrow.Record, error) {
	schema := schemaOf(data.Columns)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for r, row := range data.Rows {
		for i := range data.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			if err := appendValue(b.Field(i), v); err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", r, data.Columns[i].Name, err)
			}
		}
		etl := b.Field(len(data.Columns)).(*array.TimestampBuilder)
		etl.Append(arrow.Timestamp(startTime.UnixMicro()))
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		switch x := v.(type) {
		case bool:
			b.Append(x)
		default:
			p, err := strconv.ParseBool(fmt.Sprint(v))
			if err != nil {
				return err
			}
			b.Append(p)
		}
	case *array.TimestampBuilder:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			b.Append(x)
		default:
			b.Append([]byte(fmt.Sprint(v)))
		}
	case *array.StringBuilder:
		switch x := v.(type) {
		case string:
			b.Append(x)
		case []byte:
			b.Append(string(x))
		case time.Time:
			b.Append(x.UTC().Format(time.RFC3339Nano))
		default:
			b.Append(fmt.Sprint(v))
		}
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int64", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
	return float64(i), nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", t)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
}

// codec maps settings.compression_codec to a parquet codec.
func codec(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return compress.Codecs.Zstd, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression codec: %s", name)
}

// encode writes rec as a parquet file.
func encode(rec arrow.Record, c compress.Compression) ([]byte, error) {
	var buf bytes.Buffer
	props := goparquet.NewWriterProperties(
		goparquet.WithCompression(c),
		goparquet.WithDataPageSize(1024*1024),
	)
	w, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}
