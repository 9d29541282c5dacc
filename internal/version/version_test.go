package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, s, b string) { Version, GitSHA, BuildTime = v, s, b }(Version, GitSHA, BuildTime)

	if got := String(); got != "dev (unknown, built unknown)" {
		t.Errorf("String() = %q", got)
	}

	Version, GitSHA, BuildTime = "0.4.1", "0123456789abcdef", "2026-10-01T00:00:00Z"
	if got, want := String(), "0.4.1 (0123456, built 2026-10-01T00:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
