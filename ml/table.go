package ml

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	ColumnPrediction        = "niveau_conso_pred"
	ColumnConfidence        = "confiance"
	ProbabilityColumnPrefix = "prob_"
)

// Table is a rectangular batch of records with string cells, so columns the
// model does not use pass through untouched. JSON input may also carry
// numeric cells; see UnmarshalJSON.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// UnmarshalJSON accepts cells as strings, numbers, booleans or null. Numbers
// keep their JSON text and null becomes an empty (missing) cell.
func (t *Table) UnmarshalJSON(payload []byte) error {
	var doc struct {
		Columns []string            `json:"columns"`
		Rows    [][]json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	rows := make([][]string, len(doc.Rows))
	for i, raw := range doc.Rows {
		row := make([]string, len(raw))
		for j, cell := range raw {
			text, err := cellText(cell)
			if err != nil {
				return fmt.Errorf("row %d cell %d: %w", i, j, err)
			}
			row[j] = text
		}
		rows[i] = row
	}
	t.Columns = doc.Columns
	t.Rows = rows
	return nil
}

func cellText(cell json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(cell))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported cell %s", cell)
	}
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// Validate checks that every row has one cell per column.
func (t *Table) Validate() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Column returns the cells of the named column.
func (t *Table) Column(name string) ([]string, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("no column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// ReadCSV parses a header line followed by records.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Table{Columns: header, Rows: rows}, nil
}

func WriteCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return err
	}
	return writer.Error()
}
