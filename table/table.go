package table

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	ErrEmptyCSV      = errors.New("csv has no header row")
	ErrTooManyFields = errors.New("csv row has more fields than header")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table holds parsed CSV content: named columns and rows in file order.
// A row's index is its position in Rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, col := range t.Columns {
		if col == name {
			return i, true
		}
	}
	return -1, false
}

// ReadCSV decodes r into a Table. The first record is the header; short rows
// are padded with empty cells, longer rows are an error. Duplicate header
// names get a ".N" suffix so every column stays addressable. A quote inside
// an unquoted field is kept as data.
func ReadCSV(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	t := &Table{Columns: dedupeColumns(header)}
	width := len(t.Columns)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if len(record) > width {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: expected %d fields, saw %d: %w", line, width, len(record), ErrTooManyFields)
		}
		row := make([]string, width)
		copy(row, record)
		t.Rows = append(t.Rows, row)
	}
}

// WriteCSV encodes the table as CSV with a header row and no index column.
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

// Concat stacks tables row-wise in argument order. The result's columns are
// the union of all input columns in order of first appearance; cells a table
// does not provide are left empty. Row indices restart at zero.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	positions := make(map[string]int)
	total := 0
	for _, t := range tables {
		if t == nil {
			continue
		}
		total += len(t.Rows)
		for _, col := range t.Columns {
			if _, ok := positions[col]; ok {
				continue
			}
			positions[col] = len(out.Columns)
			out.Columns = append(out.Columns, col)
		}
	}

	out.Rows = make([][]string, 0, total)
	width := len(out.Columns)
	for _, t := range tables {
		if t == nil {
			continue
		}
		mapping := make([]int, len(t.Columns))
		for i, col := range t.Columns {
			mapping[i] = positions[col]
		}
		for _, src := range t.Rows {
			row := make([]string, width)
			for i, cell := range src {
				row[mapping[i]] = cell
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func dedupeColumns(header []string) []string {
	columns := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, name := range header {
		if n, ok := seen[name]; ok {
			candidate := name + "." + strconv.Itoa(n)
			for {
				if _, taken := seen[candidate]; !taken {
					break
				}
				n++
				candidate = name + "." + strconv.Itoa(n)
			}
			seen[name] = n + 1
			seen[candidate] = 1
			columns[i] = candidate
			continue
		}
		seen[name] = 1
		columns[i] = name
	}
	return columns
}
