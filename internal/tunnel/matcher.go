package tunnel

import (
	"regexp"
	"strings"
)

// DefaultURLDomain is where the relay hands out public hostnames.
const DefaultURLDomain = "xpos.to"

// matchWindow is how much unmatched output is kept so a URL split across
// reads is still recognised.
const matchWindow = 4096

// URLMatcher scans a stream of output for the relay's public URL announcement.
// It reports the first match once and ignores everything after it.
type URLMatcher struct {
	re  *regexp.Regexp
	buf []byte
	url string
}

// NewURLMatcher recognises https://<label>.<domain>, where label is made of
// letters, digits and hyphens.
func NewURLMatcher(domain string) *URLMatcher {
	if domain == "" {
		domain = DefaultURLDomain
	}
	return &URLMatcher{
		re: regexp.MustCompile(`(?i)https://[a-z0-9-]+\.` + regexp.QuoteMeta(domain)),
	}
}

// Feed appends p to the rolling buffer. It returns the URL and true the first
// time the buffer contains one, and "", false on every other call.
func (m *URLMatcher) Feed(p []byte) (string, bool) {
	if m.url != "" {
		return "", false
	}

	m.buf = append(m.buf, p...)
	if loc := m.re.FindIndex(m.buf); loc != nil {
		m.url = string(m.buf[loc[0]:loc[1]])
		m.buf = nil
		return m.url, true
	}

	if len(m.buf) > matchWindow {
		m.buf = append(m.buf[:0], m.buf[len(m.buf)-matchWindow:]...)
	}
	return "", false
}

// URL returns the matched URL, or "" if none has been seen.
func (m *URLMatcher) URL() string {
	return m.url
}

// Displayable reports whether a line of relay output is worth showing. Blank
// lines and the relay's own boilerplate are dropped since the URL is shown
// separately.
func Displayable(line, domain string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if domain == "" {
		domain = DefaultURLDomain
	}

	lower := strings.ToLower(line)
	for _, noise := range []string{strings.ToLower(domain), "public url", "ctrl+c"} {
		if strings.Contains(lower, noise) {
			return false
		}
	}
	return true
}

// lineSplitter turns arbitrary chunks into complete lines.
type lineSplitter struct {
	partial []byte
}

func (l *lineSplitter) push(p []byte) []string {
	l.partial = append(l.partial, p...)

	var lines []string
	for {
		i := indexLineEnd(l.partial)
		if i < 0 {
			break
		}
		lines = append(lines, string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	if len(l.partial) == 0 {
		l.partial = nil
	}
	return lines
}

func (l *lineSplitter) flush() []string {
	if len(l.partial) == 0 {
		return nil
	}
	line := string(l.partial)
	l.partial = nil
	return []string{line}
}

func indexLineEnd(p []byte) int {
	for i, c := range p {
		if c == '\n' || c == '\r' {
			return i
		}
	}
	return -1
}
