package htmlmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML("<!DOCTYPE html><html></html>"))
	assert.True(t, LooksLikeHTML("  <html><body>hi</body></html>"))
	assert.False(t, LooksLikeHTML("hello world"))
	assert.False(t, LooksLikeHTML(`{"a":1}`))
}

func TestExtractHeadingAndParagraph(t *testing.T) {
	out, err := Extract(`<html><body><h1>Title</h1><p>Hello <a href="https://x">world</a>.</p></body></html>`)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "# Title"))
	assert.True(t, strings.Contains(out, "[world](https://x)"))
}

func TestExtractList(t *testing.T) {
	out, err := Extract(`<html><body><ul><li>one</li><li>two</li></ul></body></html>`)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "- one"))
	assert.True(t, strings.Contains(out, "- two"))
}

func TestExtractSkipsScriptAndStyle(t *testing.T) {
	out, err := Extract(`<html><head><style>.a{}</style></head><body><script>alert(1)</script><p>visible</p></body></html>`)
	require.NoError(t, err)
	assert.False(t, strings.Contains(out, "alert"))
	assert.True(t, strings.Contains(out, "visible"))
}
