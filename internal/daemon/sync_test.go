package daemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidfs/braidfs/internal/fsmap"
	"github.com/braidfs/braidfs/internal/wire"
)

func TestApplyUpdateToContentBody(t *testing.T) {
	out, err := applyUpdateToContent("old", &wire.Update{HasBody: true, Body: []byte("new")})
	require.NoError(t, err)
	assert.Equal(t, "new", out)
}

func TestApplyUpdateToContentPatch(t *testing.T) {
	out, err := applyUpdateToContent("hello", &wire.Update{
		Patches: []wire.Patch{{Unit: "text", Range: "[5:5]", Content: []byte(" world")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestApplyUpdateToContentPatchOutOfBounds(t *testing.T) {
	_, err := applyUpdateToContent("hi", &wire.Update{
		Patches: []wire.Patch{{Unit: "text", Range: "[0:50]", Content: []byte("x")}},
	})
	assert.Error(t, err)
}

func TestDaemonIsEcho(t *testing.T) {
	d := &Daemon{PeerID: "alpha"}
	assert.True(t, d.isEcho([]wire.Version{"7-alpha"}))
	assert.False(t, d.isEcho([]wire.Version{"7-beta"}))
}

func TestSameVersionSet(t *testing.T) {
	assert.True(t, sameVersionSet([]string{"a", "b"}, []wire.Version{"b", "a"}))
	assert.False(t, sameVersionSet([]string{"a"}, []wire.Version{"a", "b"}))
}

func TestPendingWriteActiveWithinGrace(t *testing.T) {
	cfg := &ConfigStore{cfg: &Config{}}
	d := NewDaemon(t.TempDir(), nil, cfg, &VersionStore{byURL: map[string]FileVersion{}})
	d.markPendingWrite("/tmp/x")
	assert.True(t, d.IsPendingWrite("/tmp/x"))
}

func TestApplyIncomingDropsEcho(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadOrInitConfig(root, "alpha", 0)
	require.NoError(t, err)
	vs, err := OpenVersionStore(root)
	require.NoError(t, err)
	d := NewDaemon(root, nil, cfg, vs)

	url := "https://example.com/doc"
	require.NoError(t, vs.Set(url, FileVersion{CurrentVersion: []string{"7-alpha"}}))
	d.cacheContent(url, "cached")

	// The broadcast of our own push comes straight back; nothing may
	// change.
	err = d.applyIncoming(url, &wire.Update{
		Version: []wire.Version{"7-alpha"},
		HasBody: true,
		Body:    []byte("overwritten"),
	})
	require.NoError(t, err)

	got, _ := d.ContentCache(url)
	assert.Equal(t, "cached", got)
	fv, ok := vs.Get(url)
	require.True(t, ok)
	assert.Equal(t, []string{"7-alpha"}, fv.CurrentVersion)
}

func TestApplyIncomingLocalManagedSkipsFileWrite(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadOrInitConfig(root, "alpha", 0)
	require.NoError(t, err)
	vs, err := OpenVersionStore(root)
	require.NoError(t, err)
	d := NewDaemon(root, nil, cfg, vs)

	url := "https://example.com/doc"
	d.MarkLocalManaged(url, true)
	err = d.applyIncoming(url, &wire.Update{
		Version: []wire.Version{"9-beta"},
		HasBody: true,
		Body:    []byte("bridged"),
	})
	require.NoError(t, err)

	// Cache updated so the bridge can serve it, but no file appears at
	// the mapped path.
	got, _ := d.ContentCache(url)
	assert.Equal(t, "bridged", got)
	path, err := fsmap.URLToPath(root, url)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
