package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/filters"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseFileName(t *testing.T) {
	for _, tt := range []struct {
		base  string
		name  string
		phase filters.Phase
	}{
		{"auth.lua", "auth", ""},
		{"pre_auth.lua", "auth", filters.Pre},
		{"error_fallback.yaml", "fallback", filters.Error},
		{"foo_bar.lua", "foo_bar", ""},
		{"pre_.lua", "pre_", ""},
		{"route_backend_v2.yml", "backend_v2", filters.Route},
	} {
		t.Run(tt.base, func(t *testing.T) {
			name, phase := ParseFileName(tt.base)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.phase, phase)
		})
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	pre := filepath.Join(root, "pre")
	generic := filepath.Join(root, "filters")

	writeFile(t, pre, "b.lua", "b")
	writeFile(t, pre, "a.lua", "a")
	writeFile(t, pre, "pre_c.lua", "c")
	writeFile(t, pre, "post_d.lua", "d")
	writeFile(t, pre, ".hidden.lua", "hidden")
	writeFile(t, pre, "readme.md", "ignored")
	require.NoError(t, os.MkdirAll(filepath.Join(pre, "sub.lua"), 0o755))
	writeFile(t, generic, "route_backend.LUA", "backend")
	writeFile(t, generic, "fallback.lua", "fallback")

	d, err := Scan([]Location{
		{Dir: pre, Phase: filters.Pre},
		{Dir: generic},
		{Dir: filepath.Join(root, "missing"), Phase: filters.Post},
		{Dir: pre, Phase: filters.Pre},
	}, ".lua")
	require.NoError(t, err)

	type summary struct {
		base  string
		name  string
		phase filters.Phase
	}

	var got []summary
	for _, di := range d {
		got = append(got, summary{filepath.Base(di.Path), di.Name, di.Phase})
		assert.Equal(t, xxhash.Sum64(di.Source), di.Fingerprint)
		assert.Equal(t, ".lua", di.Ext)
	}

	assert.Equal(t, []summary{
		{"fallback.lua", "fallback", ""},
		{"route_backend.LUA", "backend", filters.Route},
		{"a.lua", "a", filters.Pre},
		{"b.lua", "b", filters.Pre},
		{"post_d.lua", "post_d", filters.Pre},
		{"pre_c.lua", "c", filters.Pre},
	}, got)
}

func TestScanFailsOnUnreadableLocation(t *testing.T) {
	f := writeFile(t, t.TempDir(), "file", "")
	_, err := Scan([]Location{{Dir: f}}, ".lua")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint([]byte("foo")), Fingerprint([]byte("foo")))
	assert.NotEqual(t, Fingerprint([]byte("foo")), Fingerprint([]byte("bar")))
}
