package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/modsync/internal/installer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_EmptyProfile(t *testing.T) {
	game, args := gameArgs(t, true)

	out, code := runCLI(t, append(args, "list")...)
	require.Equal(t, 0, code, out)
	assert.Contains(t, stripANSI(out), "no mods in "+filepath.Join(game, "modsync.yaml"))
	assert.FileExists(t, filepath.Join(game, "modsync.yaml"))
}

func TestEnable_UnknownMod(t *testing.T) {
	_, args := gameArgs(t, true)

	out, code := runCLI(t, append(args, "enable", "nope")...)
	require.Equal(t, 1, code, out)
	assert.Contains(t, stripANSI(out), "mod not found")
}

func TestSync_RejectsNonGameDir(t *testing.T) {
	_, args := gameArgs(t, false)

	out, code := runCLI(t, append(args, "sync")...)
	require.Equal(t, 1, code, out)
	assert.Contains(t, stripANSI(out), "SPT.Server.exe")
}

func TestBackupRestore(t *testing.T) {
	game, args := gameArgs(t, true)

	_, code := runCLI(t, append(args, "backup")...)
	require.Equal(t, 1, code, "backup of a game without mod directories must fail")

	plugin := filepath.Join(game, "BepInEx", "plugins", "Mod.dll")
	require.NoError(t, os.MkdirAll(filepath.Dir(plugin), 0o755))
	require.NoError(t, os.WriteFile(plugin, []byte("dll"), 0o644))

	dest := t.TempDir()
	out, code := runCLI(t, append(args, "backup", dest)...)
	require.Equal(t, 0, code, out)
	assert.Contains(t, stripANSI(out), "backup written to")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, os.Remove(plugin))
	out, code = runCLI(t, append(args, "restore", filepath.Join(dest, entries[0].Name()), "--force")...)
	require.Equal(t, 0, code, out)
	assert.Contains(t, stripANSI(out), "restored 1 files")
	assert.FileExists(t, plugin)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", summarize(nil))
	assert.Equal(t, "no files", summarize(&installer.ChangeSet{}))
	assert.Equal(t, "2 added, 1 unchanged", summarize(&installer.ChangeSet{
		Added:     []string{"a", "b"},
		Unchanged: []string{"c"},
	}))
}
