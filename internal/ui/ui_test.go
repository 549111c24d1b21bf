package ui

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func plain(t *testing.T) {
	t.Helper()
	r := lipgloss.NewRenderer(&bytes.Buffer{})
	r.SetColorProfile(termenv.Ascii)
	SetRenderer(r)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })
}

func TestRenderPlain(t *testing.T) {
	plain(t)

	assert.Equal(t, "✓", RenderPass("✓"))
	assert.Equal(t, "⚠", RenderWarn("⚠"))
	assert.Equal(t, "x", RenderFail("x"))
	assert.Equal(t, "note", RenderMuted("note"))
	assert.Equal(t, "sync", RenderAccent("sync"))
}

func TestRenderColor(t *testing.T) {
	r := lipgloss.NewRenderer(&bytes.Buffer{})
	r.SetColorProfile(termenv.ANSI256)
	SetRenderer(r)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	out := RenderPass("ok")
	assert.Contains(t, out, "ok")
	assert.NotEqual(t, "ok", out)
}

func TestField(t *testing.T) {
	plain(t)
	assert.Equal(t, "Pending:            3", Field("Pending", 3))
}

func TestTable(t *testing.T) {
	plain(t)

	out := Table([]string{"ID", "REASON"}, [][]string{
		{"op-1", "timeout"},
		{"operation-22", "rejected"},
	})
	assert.Equal(t, ""+
		"ID            REASON\n"+
		"op-1          timeout\n"+
		"operation-22  rejected\n", out)
}
