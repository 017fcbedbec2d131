package library

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLibrary(t *testing.T, files ...string) (*Library, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sounds", 0o755))
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/sounds", f), []byte("data"), 0o644))
	}
	lib, err := New(fs, "/sounds", []string{"flac", ".MP3", "wav"}, 8, zerolog.Nop())
	require.NoError(t, err)
	return lib, fs
}

func TestResolve(t *testing.T) {
	lib, _ := newTestLibrary(t, "rain.mp3", "rain.flac", "bell.wav", "notes.txt")

	clip, err := lib.Resolve(context.Background(), "rain")
	require.NoError(t, err)
	assert.Equal(t, "/sounds/rain.flac", clip.URI, "extension order decides")
	assert.Equal(t, "rain", clip.Name)

	clip, err = lib.Resolve(context.Background(), "bell")
	require.NoError(t, err)
	assert.Equal(t, "/sounds/bell.wav", clip.URI)

	_, err = lib.Resolve(context.Background(), "notes")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsPaths(t *testing.T) {
	lib, _ := newTestLibrary(t, "rain.mp3")
	for _, id := range []string{"", "../rain", "a/rain", ".hidden"} {
		_, err := lib.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestResolveHonorsContext(t *testing.T) {
	lib, _ := newTestLibrary(t, "rain.mp3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lib.Resolve(ctx, "rain")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveCacheAndInvalidate(t *testing.T) {
	lib, fs := newTestLibrary(t, "rain.mp3")

	_, err := lib.Resolve(context.Background(), "rain")
	require.NoError(t, err)
	require.NoError(t, fs.Remove("/sounds/rain.mp3"))

	clip, err := lib.Resolve(context.Background(), "rain")
	require.NoError(t, err, "cached resolution survives until invalidated")
	assert.Equal(t, "/sounds/rain.mp3", clip.URI)

	lib.Invalidate()
	_, err = lib.Resolve(context.Background(), "rain")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	lib, fs := newTestLibrary(t, "rain.mp3", "rain.flac", "bell.wav", "notes.txt", ".rain.mp3")
	require.NoError(t, fs.MkdirAll("/sounds/sub.mp3", 0o755))

	sounds, err := lib.List()
	require.NoError(t, err)
	require.Len(t, sounds, 2)
	assert.Equal(t, Sound{ID: "bell", File: "bell.wav", Size: 4}, sounds[0])
	assert.Equal(t, Sound{ID: "rain", File: "rain.flac", Size: 4}, sounds[1])
}

func TestListMissingDir(t *testing.T) {
	lib, err := New(afero.NewMemMapFs(), "/nowhere", nil, 0, zerolog.Nop())
	require.NoError(t, err)
	_, err = lib.List()
	assert.Error(t, err)
}
