package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by results that have a tabular form.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

func plainTable(w io.Writer, sep string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator(sep)
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// PrintTable writes r as a borderless table with upper-cased headers.
func PrintTable(w io.Writer, r TableRenderer) error {
	t := plainTable(w, "")
	t.SetAutoFormatHeaders(true)
	t.SetHeader(r.Headers())
	t.AppendBulk(r.Rows())
	t.Render()
	return nil
}

// KeyValues writes "key: value" lines aligned in two columns.
func KeyValues(w io.Writer, pairs [][2]string) error {
	t := plainTable(w, ":")
	t.SetAutoFormatHeaders(false)
	for _, kv := range pairs {
		t.Append([]string{kv[0], kv[1]})
	}
	t.Render()
	return nil
}

// Table is an ad-hoc TableRenderer.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(cells ...string) { t.rows = append(t.rows, cells) }
func (t *Table) Headers() []string      { return t.headers }
func (t *Table) Rows() [][]string       { return t.rows }
