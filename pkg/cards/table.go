// Package cards turns detection masks into card crops and manages the CSV
// tables that describe them.
package cards

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
)

// File names of the tables kept alongside the cards.
const (
	MaskInfoFile        = "mask_info.csv"
	ClassificationsFile = store.ClassificationsFile
	MergedFile          = "merged_annotations.csv"
)

// ErrNoTable is returned when a required table has not been produced yet.
var ErrNoTable = errors.New("table not found")

// Table is a CSV document: a header and rows of the same width.
type Table struct {
	Header []string
	Rows   [][]string
}

// NewTable returns an empty table with the given columns.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// Column returns the index of name, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Get returns the value of column name in row i, or "" if the column is absent.
func (t *Table) Get(i int, name string) string {
	c := t.Column(name)
	if c < 0 || c >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][c]
}

// Set writes a value, adding the column when needed.
func (t *Table) Set(i int, name, value string) {
	c := t.Column(name)
	if c < 0 {
		c = t.AddColumn(name)
	}
	t.Rows[i][c] = value
}

// AddColumn appends an empty column and returns its index. An existing column
// is returned as is.
func (t *Table) AddColumn(name string) int {
	if c := t.Column(name); c >= 0 {
		return c
	}
	t.Header = append(t.Header, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], "")
	}
	return len(t.Header) - 1
}

// Append adds a row built from column values; unknown columns are ignored.
func (t *Table) Append(values map[string]string) {
	row := make([]string, len(t.Header))
	for i, h := range t.Header {
		row[i] = values[h]
	}
	t.Rows = append(t.Rows, row)
}

// Record returns row i keyed by column name.
func (t *Table) Record(i int) map[string]string {
	rec := make(map[string]string, len(t.Header))
	for c, h := range t.Header {
		if c < len(t.Rows[i]) {
			rec[h] = t.Rows[i][c]
		}
	}
	return rec
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ReadTable loads a CSV file. A missing file wraps ErrNoTable.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeTable(f)
}

// DecodeTable parses CSV from r. Short rows are padded to the header width.
func DecodeTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}

	t := &Table{Header: records[0]}
	if len(t.Header) > 0 {
		t.Header[0] = strings.TrimPrefix(t.Header[0], "\ufeff")
	}
	for _, rec := range records[1:] {
		row := make([]string, len(t.Header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Encode writes the table as CSV.
func (t *Table) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteTable replaces path atomically with the CSV encoding of t.
func WriteTable(path string, t *Table) error {
	return fsutil.WriteFileAtomic(path, 0644, t.Encode)
}
