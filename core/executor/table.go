package executor

import (
	"database/sql"
	"strings"
)

// Table is a fully read result set.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of the named column, ignoring case, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Value returns the value of column in row.
func (t *Table) Value(row int, column string) (any, bool) {
	i := t.ColumnIndex(column)
	if i < 0 || row < 0 || row >= len(t.Rows) {
		return nil, false
	}
	return t.Rows[row][i], true
}

// RowSet holds every result set a command produced, in order.
type RowSet struct {
	Tables []*Table
}

// readTable drains the current result set of rows. Scanning into *any makes
// database/sql copy []byte values, so rows stay valid after the cursor moves.
func readTable(rows *sql.Rows) (*Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	t := &Table{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, values)
	}
	return t, rows.Err()
}
