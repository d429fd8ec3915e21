package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// readCSV loads a CSV file with a header row. Column kinds are inferred from
// the data: int if every non-empty cell parses as an integer, then float,
// then bool, otherwise string. Empty cells are null.
func readCSV(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	raw := make([][]string, len(header))
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for i := range header {
			raw[i] = append(raw[i], record[i])
		}
	}

	cols := make([]*Column, len(header))
	for i, name := range header {
		cols[i] = parseCSVColumn(strings.TrimSpace(name), raw[i])
	}
	return New(cols...)
}

func parseCSVColumn(name string, cells []string) *Column {
	kind := inferKind(cells)
	col := NewColumn(name, kind, len(cells))
	for _, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			col.Values = append(col.Values, nil)
			continue
		}
		switch kind {
		case Int:
			v, _ := strconv.ParseInt(cell, 10, 64)
			col.Values = append(col.Values, v)
		case Float:
			v, _ := strconv.ParseFloat(cell, 64)
			col.Values = append(col.Values, v)
		case Bool:
			v, _ := strconv.ParseBool(cell)
			col.Values = append(col.Values, v)
		default:
			col.Values = append(col.Values, cell)
		}
	}
	return col
}

func inferKind(cells []string) Kind {
	isInt, isFloat, isBool := true, true, true
	seen := false
	for _, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			if _, err := strconv.ParseBool(cell); err != nil || isNumericBool(cell) {
				isBool = false
			}
		}
	}
	switch {
	case !seen:
		return Float
	case isInt:
		return Int
	case isFloat:
		return Float
	case isBool:
		return Bool
	default:
		return String
	}
}

// isNumericBool filters the "0"/"1" spellings strconv.ParseBool accepts; those
// columns are integers.
func isNumericBool(cell string) bool {
	return cell == "0" || cell == "1"
}

func writeCSV(path string, t *Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(t.Names()); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	record := make([]string, t.NumCols())
	for r := 0; r < t.rows; r++ {
		for i, c := range t.cols {
			record[i] = formatCell(c.Values[r])
		}
		if err := w.Write(record); err != nil {
			file.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return file.Close()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
