package cmdutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/internal/cli/output"
	"github.com/marmos91/stategc/pkg/node"
)

func TestParseAge(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"empty", "", time.Time{}, false},
		{"whitespace", "  ", time.Time{}, false},
		{"hours", "36h", now.Add(-36 * time.Hour), false},
		{"minutes", "90m", now.Add(-90 * time.Minute), false},
		{"days", "7d", now.Add(-7 * 24 * time.Hour), false},
		{"zero days", "0d", now, false},
		{"rfc3339", "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"negative duration", "-5h", time.Time{}, true},
		{"negative days", "-2d", time.Time{}, true},
		{"bad days", "xd", time.Time{}, true},
		{"garbage", "yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAge(tt.input, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestParseHash(t *testing.T) {
	h := node.HashBytes([]byte("payload"))

	got, err := ParseHash(" " + h.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseHash("abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid hash "abc"`)

	_, err = ParseHash(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestBoolToYesNo(t *testing.T) {
	assert.Equal(t, "yes", BoolToYesNo(true))
	assert.Equal(t, "no", BoolToYesNo(false))
}

type rowsRenderer [][]string

func (r rowsRenderer) Headers() []string { return []string{"A", "B"} }
func (r rowsRenderer) Rows() [][]string  { return r }

func TestPrintOutput(t *testing.T) {
	saved := *Flags
	t.Cleanup(func() { *Flags = saved })

	data := map[string]int{"purged": 3}
	table := rowsRenderer{{"x", "1"}}

	t.Run("json", func(t *testing.T) {
		Flags.Output = "json"
		var buf bytes.Buffer
		require.NoError(t, PrintOutput(&buf, data, true, "ignored", table))

		var got map[string]int
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, 3, got["purged"])
	})

	t.Run("table empty", func(t *testing.T) {
		Flags.Output = "table"
		var buf bytes.Buffer
		require.NoError(t, PrintOutput(&buf, data, true, "Nothing here.", table))
		assert.Equal(t, "Nothing here.\n", buf.String())
	})

	t.Run("table rows", func(t *testing.T) {
		Flags.Output = "table"
		var buf bytes.Buffer
		require.NoError(t, PrintOutput(&buf, data, false, "", table))
		assert.Contains(t, buf.String(), "x")
	})

	t.Run("bad format", func(t *testing.T) {
		Flags.Output = "xml"
		var buf bytes.Buffer
		assert.Error(t, PrintOutput(&buf, data, false, "", table))
	})

	t.Run("format parse", func(t *testing.T) {
		Flags.Output = "yaml"
		f, err := GetOutputFormatParsed()
		require.NoError(t, err)
		assert.Equal(t, output.FormatYAML, f)
	})
}
