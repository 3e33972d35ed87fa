package fsmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeComponentRoundTrip(t *testing.T) {
	cases := []string{
		"hello",
		"Hello World",
		"a/b",
		"weird:name?*",
		"MixedCase123",
		"",
		"CON",
		"con",
		"already.has.dots",
	}
	for _, c := range cases {
		enc := EncodeComponent(c)
		dec, err := DecodeComponent(enc)
		require.NoError(t, err, "decoding %q", enc)
		assert.Equal(t, c, dec, "round-trip for %q via %q", c, enc)
	}
}

func TestEncodeComponentInjective(t *testing.T) {
	inputs := []string{"foo", "Foo", "FOO", "fOo", "foo bar", "foo/bar", "foo%bar"}
	seen := map[string]string{}
	for _, in := range inputs {
		enc := EncodeComponent(in)
		if prior, ok := seen[enc]; ok {
			t.Fatalf("collision: %q and %q both encode to %q", prior, in, enc)
		}
		seen[enc] = in
	}
}

func TestURLToPathTrailingSlashMapsToIndex(t *testing.T) {
	p, err := URLToPath("/root", "https://example.com:8080/a/b/")
	require.NoError(t, err)
	assert.Contains(t, p, "index")
}

func TestURLToPathNoTrailingSlash(t *testing.T) {
	p1, err := URLToPath("/root", "https://example.com/a/b")
	require.NoError(t, err)
	p2, err := URLToPath("/root", "https://example.com/a/b/")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestPathToURLHintRoundTrip(t *testing.T) {
	root := "/root"
	orig := "https://example.com:9000/a/B/"
	p, err := URLToPath(root, orig)
	require.NoError(t, err)
	back, err := PathToURLHint(root, "https", p)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}
