package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestPrintTable(t *testing.T) {
	tbl := NewTable("Hash", "Size")
	tbl.AddRow("ab12", "64")
	tbl.AddRow("cd34", "128")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, tbl))
	out := buf.String()
	assert.Contains(t, out, "HASH")
	assert.Contains(t, out, "ab12")
	assert.Contains(t, out, "128")
}

func TestKeyValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KeyValues(&buf, [][2]string{{"Phase", "BuildReach"}, {"Cycle", "3"}}))
	assert.Contains(t, buf.String(), "Phase")
	assert.Contains(t, buf.String(), "BuildReach")
}

func TestPrinterFormats(t *testing.T) {
	v := sample{Name: "sweep", Count: 3}

	var js bytes.Buffer
	require.NoError(t, NewPrinter(&js, FormatJSON, false).Print(v))
	var gotJSON sample
	require.NoError(t, json.Unmarshal(js.Bytes(), &gotJSON))
	assert.Equal(t, v, gotJSON)

	var ym bytes.Buffer
	require.NoError(t, NewPrinter(&ym, FormatYAML, false).Print(v))
	var gotYAML sample
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &gotYAML))
	assert.Equal(t, v, gotYAML)

	// table mode without a renderer falls back to JSON
	var tb bytes.Buffer
	require.NoError(t, NewPrinter(&tb, FormatTable, false).Print(v))
	assert.Contains(t, tb.String(), `"name": "sweep"`)
}

func TestPrinterMessages(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable, false)
	p.Success("done")
	p.Warning("careful")
	assert.Equal(t, "done\ncareful\n", buf.String())
}
