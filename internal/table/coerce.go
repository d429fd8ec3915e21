package table

import (
	"fmt"
	"strings"
	"time"
)

// timeLayouts are tried in order when a string column is coerced to Time.
var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05-07:00",
	"01/02/2006",
	"2006/01/02",
}

// ToTime converts a column to Time. String values are parsed with the
// common date layouts, Int values are read as nanoseconds since the Unix
// epoch, Time columns are returned unchanged. Nulls stay null.
func ToTime(c *Column) (*Column, error) {
	switch c.Kind {
	case Time:
		return c, nil
	case String, Int:
	default:
		return nil, fmt.Errorf("column %q: cannot convert %s to time", c.Name, c.Kind)
	}

	out := NewColumn(c.Name, Time, c.Len())
	for i, v := range c.Values {
		switch x := v.(type) {
		case nil:
			out.Values = append(out.Values, nil)
		case int64:
			out.Values = append(out.Values, time.Unix(0, x).UTC())
		case string:
			if strings.TrimSpace(x) == "" {
				out.Values = append(out.Values, nil)
				continue
			}
			t, err := parseTime(x)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", c.Name, i, err)
			}
			out.Values = append(out.Values, t)
		default:
			return nil, fmt.Errorf("column %q row %d: unexpected %T", c.Name, i, v)
		}
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
