package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

const indent = "  "

// Printer renders the user-facing narrative of a run. It is safe to use from
// the tunnel's output goroutines.
type Printer struct {
	w io.Writer

	mu   sync.Mutex
	dots bool

	title  lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
	target lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	url    lipgloss.Style
	box    lipgloss.Style
}

// NewPrinter writes to w, with colours only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		title:  r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color("244")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")),
		target: r.NewStyle().Foreground(lipgloss.Color("15")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		url:    r.NewStyle().Foreground(lipgloss.Color("15")).Bold(true),
		box: r.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("2")).
			Padding(0, 4).
			MarginLeft(len(indent)),
	}
}

// Banner prints the heading shown at the start of every run.
func (p *Printer) Banner() {
	p.println("")
	p.println(indent + p.title.Render("XPOS Tunnel"))
	p.println(indent + p.muted.Render(strings.Repeat("─", 41)))
}

// Check prints a completed step, e.g. "✓ Server running on http://...".
func (p *Printer) Check(msg, target string) {
	line := indent + p.ok.Render("✓") + " " + msg
	if target != "" {
		line += " " + p.target.Render(target)
	}
	p.println(line)
}

// Muted prints secondary information in grey.
func (p *Printer) Muted(msg string) {
	p.println(indent + p.muted.Render(msg))
}

// Warn prints a warning that does not stop the run.
func (p *Printer) Warn(msg string) {
	p.println(indent + p.warn.Render(msg))
}

// Error prints a fatal problem. hints follow in grey.
func (p *Printer) Error(msg string, hints ...string) {
	p.println(indent + p.fail.Render(msg))
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			p.println(indent + p.muted.Render(h))
		}
	}
}

// Dot prints a progress dot on the current line.
func (p *Printer) Dot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dots = true
	fmt.Fprint(p.w, ".")
}

// URL prints the public URL in a box followed by the stop hint.
func (p *Printer) URL(url string) {
	p.println("")
	p.println(p.box.Render(p.url.Render(url)))
	p.println("")
	p.println(indent + p.muted.Render("Tunnel active. Press") + " " +
		p.warn.Render("Ctrl+C") + " " + p.muted.Render("to stop."))
	p.println("")
}

// ShuttingDown announces that cleanup has started.
func (p *Printer) ShuttingDown() {
	p.println("")
	p.println(indent + p.warn.Render("Shutting down..."))
}

// println ends any run of progress dots before writing s on its own line.
func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dots {
		p.dots = false
		fmt.Fprintln(p.w)
	}
	fmt.Fprintln(p.w, s)
}
