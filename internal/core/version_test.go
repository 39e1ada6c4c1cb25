package core

import (
	"runtime/debug"
	"testing"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"v1.2.0", "1.2.0"},
		{"1.2.0", "1.2.0"},
		{"devel-ad721b3", "devel-ad721b3"},
		{"devel-ad721b3-dirty", "devel-ad721b3-dirty"},
		{"devel", "devel"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := FormatVersion(tt.input); got != tt.want {
				t.Errorf("FormatVersion(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsPseudoVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"pseudo-version without tag", "v0.0.0-20260217105831-82903d1d8810", true},
		{"pseudo-version with dirty", "v0.0.0-20260217105831-82903d1d8810+dirty", true},
		{"pseudo-version based on tag", "v1.2.1-0.20260217105831-82903d1d8810", true},
		{"tagged release", "v1.2.0", false},
		{"prerelease version", "v2.0.0-rc1", false},
		{"devel", "(devel)", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPseudoVersion(tt.input); got != tt.want {
				t.Errorf("isPseudoVersion(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestVersionFromBuildInfo(t *testing.T) {
	tests := []struct {
		name string
		info debug.BuildInfo
		want string
	}{
		{
			name: "tagged module version",
			info: debug.BuildInfo{Main: debug.Module{Version: "v1.4.0"}},
			want: "v1.4.0",
		},
		{
			name: "pseudo-version uses vcs revision",
			info: debug.BuildInfo{
				Main: debug.Module{Version: "v0.0.0-20260217105831-82903d1d8810"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "82903d1d8810aaaa"},
				},
			},
			want: "devel-82903d1",
		},
		{
			name: "dirty local build",
			info: debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "ad721b3ffff"},
					{Key: "vcs.modified", Value: "true"},
				},
			},
			want: "devel-ad721b3-dirty",
		},
		{
			name: "no vcs info",
			info: debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			want: "devel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := versionFromBuildInfo(&tt.info); got != tt.want {
				t.Errorf("versionFromBuildInfo() = %q, want %q", got, tt.want)
			}
		})
	}
}
