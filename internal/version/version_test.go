package version

import (
	"strings"
	"testing"
)

// setVersion overrides the build variables for one test.
func setVersion(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = version, commit, buildTime
}

func TestString(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		setVersion(t, "dev", "unknown", "unknown")

		result := String()
		if !strings.Contains(result, "dev") || !strings.Contains(result, "unknown") {
			t.Errorf("String() = %q, should contain defaults", result)
		}
		if !strings.Contains(result, "built") {
			t.Errorf("String() = %q, should contain 'built'", result)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		setVersion(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

		expected := "1.2.3 (abc1234) built 2024-01-15T10:00:00Z"
		if result := String(); result != expected {
			t.Errorf("String() = %q, want %q", result, expected)
		}
	})
}

func TestUserAgent(t *testing.T) {
	setVersion(t, "2.0.1", "abc1234", "unknown")

	if got := UserAgent(); got != "supportdesk-live/2.0.1" {
		t.Errorf("UserAgent() = %q, want %q", got, "supportdesk-live/2.0.1")
	}
}

func TestDefaultValues(t *testing.T) {
	// ldflags may override these in release builds
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if Commit == "" {
		t.Error("Commit should not be empty")
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
}
