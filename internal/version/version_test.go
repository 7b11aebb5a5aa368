package version

import "testing"

func TestVersionDefaults(t *testing.T) {
	// Until ldflags set them, all three variables carry the sentinel.
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if Version != "unknown" {
		t.Logf("Version is: %s (set via ldflags)", Version)
	}

	if BuildTime == "" {
		t.Error("BuildTime should be initialized")
	}
	if GitCommit == "" {
		t.Error("GitCommit should be initialized")
	}
}
