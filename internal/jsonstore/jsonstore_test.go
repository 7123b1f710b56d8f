package jsonstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
}

func TestHistoryPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "activeTickets_history.jsonl"), HistoryPath(filepath.Join("data", "activeTickets.json")))
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	want := map[string]string{"u1": "t1", "u2": "t2"}
	require.NoError(t, WriteSnapshot(path, want))

	got := map[string]string{}
	ok, err := ReadSnapshot(path, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, WriteSnapshot(path, map[string]string{}))
	got = map[string]string{}
	_, err = ReadSnapshot(path, &got)
	require.NoError(t, err)
	assert.Empty(t, got)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".state.json-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestReadSnapshotMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()
	var got map[string]string
	ok, err := ReadSnapshot(filepath.Join(dir, "absent.json"), &got)
	require.NoError(t, err)
	assert.False(t, ok)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	ok, err = ReadSnapshot(empty, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadSnapshotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	var got map[string]string
	_, err := ReadSnapshot(path, &got)
	assert.Error(t, err)
}

func TestAppendHistoryKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.jsonl")
	require.NoError(t, AppendHistory(path, entry{Action: "set", UserID: "u1"}))
	require.NoError(t, AppendHistory(path, entry{Action: "remove", UserID: "u1"}))

	entries, err := ReadHistory[entry](path)
	require.NoError(t, err)
	assert.Equal(t, []entry{{"set", "u1"}, {"remove", "u1"}}, entries)

	missing, err := ReadHistory[entry](filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
