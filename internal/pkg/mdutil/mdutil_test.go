package mdutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("A **bold** claim.")
	require.NoError(t, err)
	require.Equal(t, "<p>A <strong>bold</strong> claim.</p>\n", out)

	out, err = r.Render("")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRenderDropsRawHTML(t *testing.T) {
	out, err := NewRenderer().Render("<script>alert(1)</script>")
	require.NoError(t, err)
	require.NotContains(t, out, "<script>")
}
