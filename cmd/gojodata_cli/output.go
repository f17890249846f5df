package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sushant-115/gojodata/core/executor"
)

// renderTable writes t as an ASCII table followed by its row count.
func renderTable(w io.Writer, t *executor.Table) {
	if len(t.Columns) == 0 {
		return
	}
	values := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		line := make([]string, len(row))
		for i, v := range row {
			line[i] = formatValue(v)
		}
		values = append(values, line)
	}

	tb := tablewriter.NewWriter(w)
	tb.SetHeader(t.Columns)
	tb.SetAutoFormatHeaders(false)
	tb.AppendBulk(values)
	tb.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(t.Rows))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// toInt64 converts a scalar as drivers return it.
func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
