package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// columnOrderKey stores the logical column order in the file's key/value
// metadata. Parquet groups built from Go maps sort their fields by name, so
// without it a write/read round trip would reorder columns.
const columnOrderKey = "trendcast.columns"

const parquetBatchSize = 512

type valueDecoder func(parquet.Value) any

func readParquet(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	schema := pf.Schema()
	fields := schema.Fields()
	cols := make([]*Column, len(fields))
	byLeaf := make(map[int]*Column, len(fields))
	decoders := make(map[int]valueDecoder, len(fields))

	for i, field := range fields {
		if !field.Leaf() {
			return nil, fmt.Errorf("%s: nested column %q is not supported", path, field.Name())
		}
		leaf, ok := schema.Lookup(field.Name())
		if !ok {
			return nil, fmt.Errorf("%s: column %q not found in schema", path, field.Name())
		}
		kind, decode, err := decoderFor(field.Type())
		if err != nil {
			return nil, fmt.Errorf("%s: column %q: %w", path, field.Name(), err)
		}
		col := NewColumn(field.Name(), kind, int(pf.NumRows()))
		cols[i] = col
		byLeaf[leaf.ColumnIndex] = col
		decoders[leaf.ColumnIndex] = decode
	}

	buf := make([]parquet.Row, parquetBatchSize)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, buf, byLeaf, decoders); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	return New(restoreOrder(pf, cols)...)
}

func readRowGroup(rg parquet.RowGroup, buf []parquet.Row, cols map[int]*Column, decoders map[int]valueDecoder) error {
	rows := rg.Rows()
	defer rows.Close()

	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, v := range row {
				ci := v.Column()
				col, ok := cols[ci]
				if !ok {
					continue
				}
				if v.IsNull() {
					col.Values = append(col.Values, nil)
					continue
				}
				col.Values = append(col.Values, decoders[ci](v))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func decoderFor(t parquet.Type) (Kind, valueDecoder, error) {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			unit := lt.Timestamp.Unit
			return Time, func(v parquet.Value) any {
				n := v.Int64()
				switch {
				case unit.Nanos != nil:
					return time.Unix(0, n).UTC()
				case unit.Micros != nil:
					return time.UnixMicro(n).UTC()
				default:
					return time.UnixMilli(n).UTC()
				}
			}, nil
		case lt.Date != nil:
			return Time, func(v parquet.Value) any {
				return time.Unix(int64(v.Int32())*86400, 0).UTC()
			}, nil
		}
	}

	switch t.Kind() {
	case parquet.Boolean:
		return Bool, func(v parquet.Value) any { return v.Boolean() }, nil
	case parquet.Int32:
		return Int, func(v parquet.Value) any { return int64(v.Int32()) }, nil
	case parquet.Int64:
		return Int, func(v parquet.Value) any { return v.Int64() }, nil
	case parquet.Float:
		return Float, func(v parquet.Value) any { return float64(v.Float()) }, nil
	case parquet.Double:
		return Float, func(v parquet.Value) any { return v.Double() }, nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return String, func(v parquet.Value) any { return string(v.ByteArray()) }, nil
	}
	return 0, nil, fmt.Errorf("unsupported parquet type %s", t)
}

func restoreOrder(pf *parquet.File, cols []*Column) []*Column {
	raw, ok := pf.Lookup(columnOrderKey)
	if !ok {
		return cols
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil || len(names) != len(cols) {
		return cols
	}
	byName := make(map[string]*Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	ordered := make([]*Column, 0, len(cols))
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return cols
		}
		ordered = append(ordered, c)
	}
	return ordered
}

// nodeFor maps a kind to its physical type. Narrower source types read as
// the same kind (INT32, FLOAT, ms/us timestamps) are written back widened.
func nodeFor(k Kind) parquet.Node {
	switch k {
	case Int:
		return parquet.Int(64)
	case Bool:
		return parquet.Leaf(parquet.BooleanType)
	case String:
		return parquet.String()
	case Time:
		return parquet.Timestamp(parquet.Nanosecond)
	default:
		return parquet.Leaf(parquet.DoubleType)
	}
}

func encodeValue(c *Column, row int) (parquet.Value, bool) {
	v := c.Values[row]
	if v == nil {
		return parquet.NullValue(), false
	}
	switch c.Kind {
	case Float:
		f, ok := c.Float(row)
		if !ok || math.IsNaN(f) {
			return parquet.NullValue(), false
		}
		return parquet.DoubleValue(f), true
	case Int:
		if i, ok := v.(int64); ok {
			return parquet.Int64Value(i), true
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return parquet.BooleanValue(b), true
		}
	case String:
		if s, ok := v.(string); ok {
			return parquet.ByteArrayValue([]byte(s)), true
		}
	case Time:
		if t, ok := v.(time.Time); ok {
			return parquet.Int64Value(t.UnixNano()), true
		}
	}
	return parquet.NullValue(), false
}

func writeParquet(path string, t *Table) error {
	group := make(parquet.Group, len(t.cols))
	for _, c := range t.cols {
		group[c.Name] = parquet.Optional(nodeFor(c.Kind))
	}
	schema := parquet.NewSchema("table", group)

	leaves := make([]int, len(t.cols))
	for i, c := range t.cols {
		leaf, ok := schema.Lookup(c.Name)
		if !ok {
			return fmt.Errorf("column %q missing from parquet schema", c.Name)
		}
		leaves[i] = leaf.ColumnIndex
	}

	order, err := json.Marshal(t.Names())
	if err != nil {
		return fmt.Errorf("marshal column order: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := parquet.NewWriter(f, schema, parquet.KeyValueMetadata(columnOrderKey, string(order)))
	batch := make([]parquet.Row, 0, parquetBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.WriteRows(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for r := 0; r < t.rows; r++ {
		row := make(parquet.Row, len(t.cols))
		for i, c := range t.cols {
			v, present := encodeValue(c, r)
			def := 0
			if present {
				def = 1
			}
			row[leaves[i]] = v.Level(0, def, leaves[i])
		}
		batch = append(batch, row)
		if len(batch) == parquetBatchSize {
			if err := flush(); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
		}
	}
	if err := flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer %s: %w", path, err)
	}
	return f.Close()
}
