package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts json, table or csv; empty means json.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatTable:
		return FormatTable, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("invalid format %q (expected json, table or csv)", value)
	}
}

type Table struct {
	Columns []string
	Rows    [][]string
}

// AddRow appends a row, rendering each cell with FormatCell.
func (t *Table) AddRow(cells ...any) {
	row := make([]string, 0, len(cells))
	for _, cell := range cells {
		row = append(row, FormatCell(cell))
	}
	t.Rows = append(t.Rows, row)
}

// EncodeJSON renders value as two-space indented JSON without HTML
// escaping and without a trailing newline.
func EncodeJSON(value any) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func PrintJSON(w io.Writer, value any) error {
	encoded, err := EncodeJSON(value)
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, encoded+"\n")
	return err
}

func PrintTable(w io.Writer, table Table) {
	if len(table.Columns) == 0 {
		return
	}

	widths := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		widths[i] = len(col)
	}
	for _, row := range table.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}

	writeRow := func(values []string) {
		cells := make([]string, len(widths))
		for i := range widths {
			var value string
			if i < len(values) {
				value = values[i]
			}
			cells[i] = value + strings.Repeat(" ", widths[i]-len(value))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}

	writeRow(table.Columns)
	separators := make([]string, len(widths))
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	writeRow(separators)
	for _, row := range table.Rows {
		writeRow(row)
	}
}

func PrintCSV(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return err
	}
	return writer.Error()
}

// Print writes payload as JSON, or table as a text table or CSV.
func Print(w io.Writer, format Format, payload any, table Table) error {
	switch format {
	case FormatTable:
		PrintTable(w, table)
		return nil
	case FormatCSV:
		return PrintCSV(w, table)
	default:
		return PrintJSON(w, payload)
	}
}

// FormatCell renders a scalar for a table cell. Nil and nil pointers are
// blank.
func FormatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case *float64:
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case *int64:
		if v == nil {
			return ""
		}
		return strconv.FormatInt(*v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(value)
	}
}
