// Package ui renders terminal output for the fieldsync CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
	styles   = newStyles(renderer)
)

type styleSet struct {
	accent, pass, warn, fail, muted, label, header lipgloss.Style
}

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

func newStyles(r *lipgloss.Renderer) styleSet {
	return styleSet{
		accent: r.NewStyle().Foreground(lipgloss.Color("39")),
		pass:   r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color("245")),
		label:  r.NewStyle().Width(20),
		header: r.NewStyle().Bold(true).Underline(true),
	}
}

// SetOutput switches rendering to w, detecting its color support.
func SetOutput(w io.Writer) {
	SetRenderer(newRenderer(w))
}

// SetRenderer replaces the renderer used by every Render function.
func SetRenderer(r *lipgloss.Renderer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = r
	styles = newStyles(r)
}

// DisableColor forces plain output.
func DisableColor() {
	mu.Lock()
	defer mu.Unlock()
	renderer.SetColorProfile(termenv.Ascii)
	styles = newStyles(renderer)
}

func current() styleSet {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

func RenderAccent(s string) string { return current().accent.Render(s) }
func RenderPass(s string) string   { return current().pass.Render(s) }
func RenderWarn(s string) string   { return current().warn.Render(s) }
func RenderFail(s string) string   { return current().fail.Render(s) }
func RenderMuted(s string) string  { return current().muted.Render(s) }

// Header renders a section title.
func Header(title string) string {
	return current().header.Render(title)
}

// Field renders an aligned "label value" line.
func Field(label string, value any) string {
	return current().label.Render(label+":") + fmt.Sprint(value)
}

// Table renders rows under headers with columns padded to the widest cell.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	st := current()
	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				padded = style.Render(padded)
			}
			parts[i] = padded
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}

	line(headers, &st.header)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}
