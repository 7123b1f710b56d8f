package main

import (
	"context"
	"testing"
	"time"

	"warden/internal/storage"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWordsNewlineFormat(t *testing.T) {
	words, err := parseWords([]byte("# legacy export\nSpam\n\n  scam  \nspam\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"spam", "scam"}, words)
}

func TestParseWordsJSONArrayWithComments(t *testing.T) {
	words, err := parseWords([]byte(`[
  // migrated from the old bot
  "Alpha",
  "beta",
]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, words)
}

func TestParseWordsRejectsBadJSON(t *testing.T) {
	_, err := parseWords([]byte(`["unterminated`))
	assert.Error(t, err)
}

func TestImportSkipsExistingWords(t *testing.T) {
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())
	ctx := context.Background()

	_, err = store.AddWord(ctx, storage.WordEntry{List: storage.Blacklist, Word: "spam", AddedBy: "mod"})
	require.NoError(t, err)

	added, skipped, err := importWords(ctx, store, storage.Blacklist, []string{"spam", "scam", "phish"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, skipped)

	entries, err := store.ListWords(ctx, storage.Blacklist)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestExportWordsJSON(t *testing.T) {
	data, err := exportWords([]storage.WordEntry{{
		Word: "spam", AddedBy: "system", AddedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), PunishmentID: "p-1",
	}})
	require.NoError(t, err)

	var decoded []map[string]string
	require.NoError(t, sonic.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "spam", decoded[0]["word"])
	assert.Equal(t, "2024-05-01T12:00:00Z", decoded[0]["addedAt"])
	assert.Equal(t, "p-1", decoded[0]["punishmentId"])
	_, hasReason := decoded[0]["reason"]
	assert.False(t, hasReason)
}
