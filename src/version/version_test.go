package version

import (
	"strings"
	"testing"
)

// Released builds carry no flag, so the version is a bare semver,
// optionally followed by a commit prefix.
func TestReleaseVersion(t *testing.T) {
	if Flag != "" {
		t.Fatalf("release builds must not carry a version flag, got %q", Flag)
	}
	if !strings.HasPrefix(Version, "0.1.0") {
		t.Fatalf("unexpected version %q", Version)
	}
}
