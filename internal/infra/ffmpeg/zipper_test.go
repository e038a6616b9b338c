package ffmpeg

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateZipKeepsSortedBaseNames(t *testing.T) {
	dir := t.TempDir()

	// Written out of order on purpose; the archive must come out sorted.
	var paths []string
	for _, name := range []string{"000102.jpg", "000100.jpg", "000101.jpg"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		paths = append(paths, p)
	}

	zipPath := filepath.Join(dir, "frames.zip")
	require.NoError(t, NewZipCreator().CreateZip(context.Background(), paths, zipPath))

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"000100.jpg", "000101.jpg", "000102.jpg"}, names)
}

func TestCreateZipCancelled(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "000000.jpg")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewZipCreator().CreateZip(ctx, []string{p}, filepath.Join(dir, "frames.zip"))
	assert.ErrorIs(t, err, context.Canceled)
}
