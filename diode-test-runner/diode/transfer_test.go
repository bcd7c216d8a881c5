package diode

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"1KB", 1000},
		{"100KB", 100_000},
		{"10MB", 10_000_000},
		{"2GB", 2_000_000_000},
	} {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, "ParseSize(%s)", tc.in)
		require.Equal(t, tc.want, got, "ParseSize(%s)", tc.in)
	}

	for _, bad := range []string{"", "KB", "10", "10TB", "10kb", "0MB", "-1MB", "1.5MB", "MBMB", "99999999999999999GB"} {
		_, err := ParseSize(bad)
		require.ErrorIs(t, err, ErrUsage, "ParseSize(%q)", bad)
	}
}

func TestParseSizeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.Int64Range(1, 1_000_000).Draw(t, "count")
		unit := rapid.SampledFrom([]string{"KB", "MB", "GB"}).Draw(t, "unit")

		got, err := ParseSize(fmt.Sprintf("%d%s", count, unit))
		if err != nil {
			t.Fatalf("ParseSize: %v", err)
		}
		if got != count*sizeUnits[unit] {
			t.Fatalf("ParseSize(%d%s) = %d", count, unit, got)
		}
	})
}
