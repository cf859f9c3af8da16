package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, sha, built string) { Version, GitSHA, BuildTime = v, sha, built }(Version, GitSHA, BuildTime)

	Version, GitSHA, BuildTime = "1.2.0", "abc1234", "2026-01-02T03:04:05Z"
	want := "motion-relay 1.2.0 (abc1234, built 2026-01-02T03:04:05Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
