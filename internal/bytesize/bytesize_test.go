package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"512Mi", 512 * MiB},
		{"2GB", 2 * GB},
		{"1.5Ki", 1536},
		{" 4 gib ", 4 * GiB},
		{"10b", 10},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseByteSizeErrors(t *testing.T) {
	for _, in := range []string{"", "Mi", "12XB", "-5", "99999999999999999999"} {
		_, err := ParseByteSize(in)
		assert.Error(t, err, in)
	}
}

func TestStringRoundTrip(t *testing.T) {
	assert.Equal(t, "256Mi", (256 * MiB).String())
	assert.Equal(t, "1000", ByteSize(1000).String())

	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("3Gi")))
	assert.Equal(t, 3*GiB, b)
}
