package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/version"
)

// setBuildInfo overrides the ldflags variables for one test.
func setBuildInfo(t *testing.T, v, commit, date string) {
	t.Helper()
	prevV, prevC, prevD := version.Version, version.Commit, version.Date
	t.Cleanup(func() {
		version.Version, version.Commit, version.Date = prevV, prevC, prevD
	})
	version.Version, version.Commit, version.Date = v, commit, date
}

func TestVersionCmd_Output(t *testing.T) {
	setBuildInfo(t, "test", "abc123", "2025-01-01")

	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version command returned error: %v", err)
	}

	want := "sgdrift version test\ncommit: abc123\nbuilt: 2025-01-01\n"
	if got := buf.String(); got != want {
		t.Errorf("version output = %q, want %q", got, want)
	}
}

func TestVersionInfo(t *testing.T) {
	tests := []struct {
		name                 string
		version, commit, dat string
		wantLines            []string
	}{
		{
			name:    "release",
			version: "v1.2.3", commit: "deadbeef", dat: "2026-01-15",
			wantLines: []string{"sgdrift version v1.2.3", "commit: deadbeef", "built: 2026-01-15"},
		},
		{
			name:    "local build",
			version: "dev", commit: "none", dat: "unknown",
			wantLines: []string{"sgdrift version dev", "commit: none", "built: unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuildInfo(t, tt.version, tt.commit, tt.dat)
			lines := strings.Split(strings.TrimSuffix(version.Info(), "\n"), "\n")
			if len(lines) != len(tt.wantLines) {
				t.Fatalf("Info() = %q", version.Info())
			}
			for i, want := range tt.wantLines {
				if lines[i] != want {
					t.Errorf("line %d = %q, want %q", i, lines[i], want)
				}
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	setBuildInfo(t, "v0.4.0", "none", "unknown")
	if got := version.UserAgent(); got != "sgdrift/v0.4.0" {
		t.Errorf("UserAgent() = %q", got)
	}
}
