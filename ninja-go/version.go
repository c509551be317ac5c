package ninja_go

import (
	"fmt"
	"strconv"
	"strings"
)

// / The version number of the current release.
const kNinjaVersion = "1.12.1.hashbuild"

// ParseVersion extracts the major and minor numbers of a version string.
func ParseVersion(version string) (major, minor int) {
	parts := strings.SplitN(version, ".", 3)
	major, _ = strconv.Atoi(parts[0])
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// CheckNinjaVersion fails when the manifest needs a newer engine. An older
// manifest only earns a warning.
func CheckNinjaVersion(version string) error {
	binMajor, binMinor := ParseVersion(kNinjaVersion)
	fileMajor, fileMinor := ParseVersion(version)

	if binMajor > fileMajor {
		Warning("ninja executable version (%s) greater than build file "+
			"ninja_required_version (%s); versions may be incompatible.",
			kNinjaVersion, version)
		return nil
	}
	if (binMajor == fileMajor && binMinor < fileMinor) || binMajor < fileMajor {
		return fmt.Errorf("ninja version (%s) incompatible with build file "+
			"ninja_required_version version (%s)", kNinjaVersion, version)
	}
	return nil
}
