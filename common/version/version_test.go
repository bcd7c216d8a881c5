package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertGoModulesVersion(t *testing.T) {
	require := require.New(t)

	for _, tc := range []struct {
		goModVersion    string
		expectedVersion string
	}{
		{"v0.3.0", "0.3.0"},
		{"v1.2.3", "1.2.3"},
		{"v2.0.0+incompatible", "2.0.0"},
		{"v0.0.0-20230101000000-abcdef123456", "0.0.0-20230101000000-abcdef123456"},
		{"(devel)", VersionUndefined},
		{"1.2.3", VersionUndefined},
		{"v1.2", VersionUndefined},
		{"", VersionUndefined},
	} {
		require.Equal(tc.expectedVersion, ConvertGoModulesVersion(tc.goModVersion), tc.goModVersion)
	}
}
