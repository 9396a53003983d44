package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrent_UsesLinkerValues(t *testing.T) {
	prevVersion, prevCommit, prevBuild := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() { AppVersion, GitCommit, BuildTime = prevVersion, prevCommit, prevBuild })

	AppVersion = " v1.4.0 "
	GitCommit = "abc123"
	BuildTime = "2026-10-01T10:00:00Z"

	info := Current("distlockd")
	if info.Service != "distlockd" || info.Version != "v1.4.0" || info.Commit != "abc123" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.BuildTime != "2026-10-01T10:00:00Z" {
		t.Fatalf("unexpected build time %q", info.BuildTime)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if s := info.String(); !strings.HasPrefix(s, "distlockd@v1.4.0 (commit=abc123") {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestCurrent_Defaults(t *testing.T) {
	prevVersion, prevCommit, prevBuild := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() { AppVersion, GitCommit, BuildTime = prevVersion, prevCommit, prevBuild })

	AppVersion = ""
	GitCommit = ""
	BuildTime = ""

	info := Current("  ")
	if info.Service != Unknown {
		t.Fatalf("expected unknown service, got %q", info.Service)
	}
	if info.Version != DevelopmentVersion {
		t.Fatalf("expected dev version, got %q", info.Version)
	}
	if info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("commit and build time must never be empty: %+v", info)
	}
}
