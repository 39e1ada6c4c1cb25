package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLMatcher(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		chunks []string
		want   string
	}{
		{
			name:   "announcement",
			chunks: []string{"\r\nYour public URL: https://my-app-7.xpos.to\r\n"},
			want:   "https://my-app-7.xpos.to",
		},
		{
			name:   "bare domain never matches",
			chunks: []string{"Welcome to xpos.to\n", "visit xpos.to for docs\n"},
			want:   "",
		},
		{
			name:   "http is not https",
			chunks: []string{"http://my-app.xpos.to\n"},
			want:   "",
		},
		{
			name:   "split across chunks",
			chunks: []string{"Your public URL: https://my-a", "pp-7.xp", "os.to\r\n"},
			want:   "https://my-app-7.xpos.to",
		},
		{
			name:   "case insensitive",
			chunks: []string{"HTTPS://My-App.XPOS.TO\n"},
			want:   "HTTPS://My-App.XPOS.TO",
		},
		{
			name:   "first match wins",
			chunks: []string{"https://first.xpos.to\n", "https://second.xpos.to\n"},
			want:   "https://first.xpos.to",
		},
		{
			name:   "custom domain",
			domain: "tunnels.example.dev",
			chunks: []string{"https://abc.xpos.to https://abc.tunnels.example.dev\n"},
			want:   "https://abc.tunnels.example.dev",
		},
		{
			name:   "dots in domain are literal",
			chunks: []string{"https://abc.xposXto\n"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewURLMatcher(tt.domain)
			hits := 0
			for _, chunk := range tt.chunks {
				if url, ok := m.Feed([]byte(chunk)); ok {
					hits++
					assert.Equal(t, tt.want, url)
				}
			}

			assert.Equal(t, tt.want, m.URL())
			if tt.want == "" {
				assert.Zero(t, hits)
			} else {
				assert.Equal(t, 1, hits, "URL must be reported exactly once")
			}
		})
	}
}

func TestURLMatcher_BoundedBuffer(t *testing.T) {
	m := NewURLMatcher("")
	noise := make([]byte, 1024)
	for i := range noise {
		noise[i] = 'x'
	}
	for range 20 {
		m.Feed(noise)
	}
	assert.LessOrEqual(t, len(m.buf), matchWindow)

	url, ok := m.Feed([]byte(" https://late.xpos.to\n"))
	assert.True(t, ok)
	assert.Equal(t, "https://late.xpos.to", url)
}

func TestDisplayable(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"", false},
		{"   \r", false},
		{"Your public URL: https://my-app-7.xpos.to", false},
		{"Forwarding from xpos.to", false},
		{"Your Public URL is ready", false},
		{"Press Ctrl+C to stop the tunnel", false},
		{"Warning: Permanently added 'go.xpos.dev' to the list of known hosts.", true},
		{"GET /dashboard 200", true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, Displayable(tt.line, ""))
		})
	}
}

func TestLineSplitter(t *testing.T) {
	var l lineSplitter

	assert.Empty(t, l.push([]byte("hel")))
	assert.Equal(t, []string{"hello"}, l.push([]byte("lo\nwor")))
	assert.Equal(t, []string{"world", ""}, l.push([]byte("ld\r\n")))
	assert.Empty(t, l.push([]byte("tail")))
	assert.Equal(t, []string{"tail"}, l.flush())
	assert.Empty(t, l.flush())
}

func TestBuildArgs(t *testing.T) {
	got := buildArgs(Options{
		Server:         "go.xpos.dev",
		Port:           443,
		User:           "x",
		ConnectTimeout: 10,
		ExtraOptions:   []string{"-o", "ServerAliveInterval=30"},
		LocalHost:      "127.0.0.1",
		LocalPort:      8000,
	})

	want := []string{
		"-p", "443",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=30",
		"-R", "0:127.0.0.1:8000",
		"x@go.xpos.dev",
	}
	assert.Equal(t, want, got)
}
