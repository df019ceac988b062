package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExts = []string{".ps1", ".sh", ".py"}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("#!/bin/sh\n"), 0755))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		stem string
		want Classification
	}{
		{"foo", Classification{Kind: KindUniversal, Name: "foo", Recognized: true}},
		{"start.bar", Classification{Kind: KindStart, Name: "bar", Recognized: true}},
		{"end.bar", Classification{Kind: KindEnd, Name: "bar", Recognized: true}},
		{"START.Chrome", Classification{Kind: KindStart, Name: "chrome", Recognized: true}},
		{"Notepad.exe", Classification{Kind: KindUniversal, Name: "notepad", Recognized: true}},
		{"start.", Classification{Kind: KindStart, Recognized: false}},
		{"end.", Classification{Kind: KindEnd, Recognized: false}},
		{"", Classification{Kind: KindUniversal, Recognized: false}},
		{"starter", Classification{Kind: KindUniversal, Name: "starter", Recognized: true}},
		{"start.end.x", Classification{Kind: KindStart, Name: "end.x", Recognized: true}},
	}

	for _, tt := range tests {
		t.Run(tt.stem, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.stem))
		})
	}
}

func TestStem(t *testing.T) {
	assert.Equal(t, "notepad", Stem("notepad.ps1", testExts))
	assert.Equal(t, "start.chrome", Stem("start.chrome.PS1", testExts))
	assert.Equal(t, "start.bar", Stem("start.bar", testExts))
	assert.Equal(t, "foo", Stem("foo", testExts))
}

func TestScan_Classification(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "foo", "start.bar", "end.bar")

	reg, err := Scan(dir, ScanOptions{ScriptExtensions: testExts})
	require.NoError(t, err)

	assert.Equal(t, []string{"foo"}, processNames(reg, KindUniversal))
	assert.Equal(t, []string{"bar"}, processNames(reg, KindStart))
	assert.Equal(t, []string{"bar"}, processNames(reg, KindEnd))
	assert.Equal(t, WatchList{"bar", "foo"}, reg.WatchList())
	assert.Equal(t, 3, reg.Len())
}

func processNames(reg *Registry, kind Kind) []string {
	var out []string
	for _, e := range reg.Entries(kind) {
		out = append(out, e.ProcessName)
	}
	return out
}

func TestScan_ScriptExtensionsAndExamples(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "notepad.ps1", "start.chrome.ps1", "end.Chrome.sh", ".hidden.ps1")

	examples := filepath.Join(dir, "_examples")
	require.NoError(t, os.Mkdir(examples, 0755))
	writeFiles(t, examples, "calc.ps1")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	writeFiles(t, filepath.Join(dir, "nested"), "deep.ps1")

	reg, err := Scan(dir, ScanOptions{ScriptExtensions: testExts})
	require.NoError(t, err)

	assert.Equal(t, WatchList{"chrome", "notepad"}, reg.WatchList())

	entry, ok := reg.Lookup("Notepad.EXE", KindUniversal)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "notepad.ps1"), entry.ScriptPath)

	_, ok = reg.Lookup("chrome", KindUniversal)
	assert.False(t, ok)
	_, ok = reg.Lookup("calc", KindUniversal)
	assert.False(t, ok)
}

func TestScan_TieBreakLastWins(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "notepad.ps1", "notepad.sh")

	reg, err := Scan(dir, ScanOptions{ScriptExtensions: testExts})
	require.NoError(t, err)

	entry, ok := reg.Lookup("notepad", KindUniversal)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "notepad.sh"), entry.ScriptPath)

	conflicts := reg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, filepath.Join(dir, "notepad.ps1"), conflicts[0].Dropped)
	assert.Equal(t, filepath.Join(dir, "notepad.sh"), conflicts[0].Kept)
}

func TestScan_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "foo.sh", "start.bar.sh", "end.baz.py")

	first, err := Scan(dir, ScanOptions{ScriptExtensions: testExts})
	require.NoError(t, err)
	second, err := Scan(dir, ScanOptions{ScriptExtensions: testExts})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, first.Equal(second))
	assert.Equal(t, first.WatchList(), second.WatchList())
}

func TestScan_EmptyAndMissingDirectory(t *testing.T) {
	reg, err := Scan(t.TempDir(), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.WatchList())

	reg, err = Scan(filepath.Join(t.TempDir(), "missing"), ScanOptions{})
	assert.Error(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, 0, reg.Len())
}

func TestWatchList(t *testing.T) {
	w := NewWatchList("Notepad", "chrome.exe", "notepad", "")
	assert.Equal(t, WatchList{"chrome", "notepad"}, w)
	assert.True(t, w.Contains("NOTEPAD.exe"))
	assert.False(t, w.Contains("calc"))

	added, removed := NewWatchList("chrome", "calc").Diff(w)
	assert.Equal(t, []string{"calc"}, added)
	assert.Equal(t, []string{"notepad"}, removed)

	assert.True(t, w.Equal(NewWatchList("notepad", "chrome")))
}

func TestNilRegistry(t *testing.T) {
	var reg *Registry
	_, ok := reg.Lookup("x", KindUniversal)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.WatchList())
}
