package denylist

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Match(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert("ads.example.com", Exact))
	require.NoError(t, b.Insert("Tracker.Example.Net.", Suffix))
	require.NoError(t, b.Insert("ads.example.com", Exact))
	assert.Equal(t, 2, b.Len())

	l := b.Build()
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 0, b.Len())

	assert.Equal(t, Result{Blocked: true, Mode: Exact}, l.Match("ads.example.com"))
	assert.Equal(t, Result{Blocked: true, Mode: Exact}, l.Match("ADS.Example.com."))
	assert.False(t, l.Match("x.ads.example.com").Blocked)
	assert.False(t, l.Match("example.com").Blocked)
	assert.False(t, l.Match("com").Blocked)

	assert.Equal(t, Result{Blocked: true, Mode: Suffix}, l.Match("tracker.example.net"))
	assert.Equal(t, Result{Blocked: true, Mode: Suffix}, l.Match("a.b.TRACKER.example.net."))
	assert.False(t, l.Match("eviltracker.example.net").Blocked)
	assert.False(t, l.Match("example.net").Blocked)

	assert.Equal(t, Result{Blocked: true, Mode: Suffix}, l.MatchLabels([]string{"x", "Tracker", "example", "net"}))
	assert.False(t, l.MatchLabels(nil).Blocked)
	assert.False(t, l.Match(".").Blocked)

	// a builder reset by Build does not touch the compiled list
	require.NoError(t, b.Insert("late.example.com", Exact))
	assert.False(t, l.Match("late.example.com").Blocked)
}

func Test_SuffixEntryBlocksSubdomains(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert("ads.example.com", Suffix))
	l := b.Build()

	assert.True(t, l.Match("ads.example.com").Blocked)
	assert.True(t, l.Match("x.ads.example.com").Blocked)
	assert.False(t, l.Match("xads.example.com").Blocked)
}

func Test_ExactAndSuffixSameName(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert("both.example", Exact))
	require.NoError(t, b.Insert("both.example", Suffix))
	assert.Equal(t, 2, b.Len())

	entries := b.Build().Entries()
	assert.Equal(t, []Entry{{Name: "both.example", Mode: Exact}, {Name: "both.example", Mode: Suffix}}, entries)
}

func Test_Remove(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert("static.adsafeprotected.com", Exact))
	require.NoError(t, b.Insert("adsafeprotected.com", Exact))

	assert.True(t, b.Remove("Static.AdSafeProtected.com."))
	assert.False(t, b.Remove("static.adsafeprotected.com"))
	assert.False(t, b.Remove("unknown.example"))
	assert.False(t, b.Remove(""))
	assert.Equal(t, 1, b.Len())

	l := b.Build()
	assert.False(t, l.Match("static.adsafeprotected.com").Blocked)
	assert.True(t, l.Match("adsafeprotected.com").Blocked)
}

func Test_InsertInvalid(t *testing.T) {
	b := NewBuilder()
	assert.ErrorIs(t, b.Insert("", Exact), ErrInvalidName)
	assert.ErrorIs(t, b.Insert("a..b", Exact), ErrInvalidName)
	assert.ErrorIs(t, b.Insert(strings.Repeat("x", 64)+".com", Exact), ErrInvalidName)
	assert.Error(t, b.Insert("ok.example", Mode(9)))
}

func Test_LargeList(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 100000; i++ {
		require.NoError(t, b.Insert(fmt.Sprintf("host%d.ads%d.example", i, i%97), Exact))
	}
	l := b.Build()

	assert.Equal(t, 100000, l.Len())
	assert.True(t, l.Match("host99999.ads89.example").Blocked)
	assert.False(t, l.Match("host99999.ads10.example").Blocked)
	assert.True(t, l.Match("host96.ads96.example").Blocked)
	assert.False(t, l.Match("host96.ads0.example").Blocked)
}

func Test_SerializeRoundTrip(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert("zeta.example", Exact))
	require.NoError(t, b.Insert("alpha.example", Suffix))
	require.NoError(t, b.Insert("mid.example", Exact))
	l := b.Build()

	var buf bytes.Buffer
	n, err := l.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, header+"*.alpha.example\nmid.example\nzeta.example\n", buf.String())

	parsed, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, l.Entries(), parsed.Entries())

	// identical entries always serialize to identical bytes
	var again bytes.Buffer
	_, err = parsed.WriteTo(&again)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), again.Bytes())

	_, err = Parse(strings.NewReader("good.example\nbad..example\n"))
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Contains(t, err.Error(), "line 2")
}

func Test_LoadFile(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "denylist.txt")
	require.NoError(t, os.WriteFile(plain, []byte("ads.example.com\n*.tracker.example\n"), 0o644))

	l, err := LoadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Match("x.tracker.example").Blocked)

	pkg := filepath.Join(dir, "package.zip")
	f, err := os.Create(pkg)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("bootstrap")
	require.NoError(t, err)
	_, _ = w.Write([]byte("binary"))
	w, err = zw.Create(FileName)
	require.NoError(t, err)
	_, _ = w.Write([]byte("ads.example.com\n"))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	l, err = LoadFile(pkg)
	require.NoError(t, err)
	assert.True(t, l.Match("ads.example.com").Blocked)

	_, err = LoadFile(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Lazy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denylist.txt")
	require.NoError(t, os.WriteFile(path, []byte("ads.example.com\n"), 0o644))

	loads := 0
	lazy := NewLazy(path, func(l *List) { loads++ })

	l := lazy.Get()
	assert.True(t, l.Match("ads.example.com").Blocked)

	// later changes on disk are not picked up by a warm process
	require.NoError(t, os.WriteFile(path, []byte("other.example.com\n"), 0o644))
	assert.Same(t, l, lazy.Get())
	assert.True(t, lazy.Get().Match("ads.example.com").Blocked)
	assert.Equal(t, 1, loads)

	missing := NewLazy(filepath.Join(dir, "missing.txt"), nil)
	assert.Equal(t, 0, missing.Get().Len())

	unset := NewLazy("", nil)
	assert.Equal(t, 0, unset.Get().Len())
}
