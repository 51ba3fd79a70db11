package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"invoice.pdf":         "invoice.pdf",
		"../../etc/passwd":    "passwd",
		`C:\tmp\proof 1.png`:  "proof 1.png",
		"déjà vu?.txt":        "d_j_ vu_.txt",
		"":                    "file",
		"..":                  "file",
		"PR-20250101-001 (2)": "PR-20250101-001 _2_",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "SanitizeName(%q)", in)
	}
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "requests/PR-1/ab%20c.pdf", escapeKey("requests/PR-1/ab c.pdf"))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	folder, err := store.CreateFolder(ctx, "PR-20250101-001", "requests")
	require.NoError(t, err)
	assert.Equal(t, "requests/PR-20250101-001", folder)

	ok, err := store.FolderExists(ctx, folder)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.FolderExists(ctx, "requests/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	att, err := store.Upload(ctx, []byte("hello"), "note.txt", "text/plain", folder)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", att.Name)
	assert.Equal(t, "text/plain", att.MimeType)
	assert.NotEmpty(t, att.WebViewLink)
	assert.Equal(t, []string{att.ID}, store.Files(folder))

	data, err := store.Download(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, att.ID))
	_, err = store.Download(ctx, att.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, att.ID), ErrNotFound)
}

func TestMemoryStore_FileExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	att, err := store.Upload(ctx, []byte("%PDF-1.4"), "note.pdf", "application/pdf", "requests/PR-1")
	require.NoError(t, err)

	ok, err := store.FileExists(ctx, att.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.FileExists(ctx, "requests/PR-1/note.pdf")
	require.NoError(t, err)
	assert.False(t, ok, "ids carry the upload prefix")

	require.NoError(t, store.Delete(ctx, att.ID))
	ok, err = store.FileExists(ctx, att.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
