// Package version implements diode-test-runner software versioning.
package version

import (
	"runtime/debug"
	"strings"
)

// VersionUndefined represents an undefined version.
const VersionUndefined = "0.0-unset"

var (
	// SoftwareVersion represents the runner's version and should be set by
	// the linker.
	SoftwareVersion = VersionUndefined

	// GitBranch is the name of the git branch the runner was built from.
	// It should be set by the linker and may be empty.
	GitBranch = ""
)

func init() {
	if SoftwareVersion != VersionUndefined {
		return
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		SoftwareVersion = ConvertGoModulesVersion(bi.Main.Version)
	}
}

// ConvertGoModulesVersion strips the leading "v" and any "+incompatible"
// suffix from a Go modules version. Anything that is not a tagged version
// (e.g. "(devel)") converts to VersionUndefined.
func ConvertGoModulesVersion(goModVer string) string {
	if !strings.HasPrefix(goModVer, "v") {
		return VersionUndefined
	}
	ver := strings.TrimSuffix(strings.TrimPrefix(goModVer, "v"), "+incompatible")
	if ver == "" || strings.Count(ver, ".") < 2 {
		return VersionUndefined
	}
	return ver
}
