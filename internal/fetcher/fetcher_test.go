package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lrstanley/go-ytdlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubefetch/internal/domain"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("existing file", func(t *testing.T) {
		p := filepath.Join(dir, "a.mp4")
		writeFile(t, p, 10)
		got, info, err := ResolveFile(p)
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.Equal(t, int64(10), info.Size())
	})

	t.Run("extension replaced by post-processing", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "song.mp3"), 5)
		got, _, err := ResolveFile(filepath.Join(dir, "song.webm"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "song.mp3"), got)
	})

	t.Run("directory resolves to largest file", func(t *testing.T) {
		sub := filepath.Join(dir, "torrent")
		writeFile(t, filepath.Join(sub, "small.txt"), 1)
		writeFile(t, filepath.Join(sub, "nested", "movie.mkv"), 50)
		got, info, err := ResolveFile(sub)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(sub, "nested", "movie.mkv"), got)
		assert.Equal(t, int64(50), info.Size())
	})

	t.Run("missing", func(t *testing.T) {
		_, _, err := ResolveFile(filepath.Join(dir, "nothing.mp4"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, _, err = ResolveFile("")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty directory", func(t *testing.T) {
		empty := filepath.Join(dir, "empty")
		require.NoError(t, os.MkdirAll(empty, 0o755))
		_, _, err := ResolveFile(empty)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

type stubFetcher struct {
	name string
	seen *[]string
}

func (s stubFetcher) Fetch(_ context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	*s.seen = append(*s.seen, s.name)
	report(onProgress, Progress{DownloadedBytes: 1, TotalBytes: 1})
	return &Result{Title: s.name}, nil
}

func TestMuxDispatchesByScheme(t *testing.T) {
	var seen []string
	mux := NewMux().
		Handle(stubFetcher{name: "ytdlp", seen: &seen}, "http", "https").
		Handle(stubFetcher{name: "torrent", seen: &seen}, "magnet")

	ctx := context.Background()
	for _, u := range []string{"https://youtube.com/watch?v=1", "HTTP://example.com/v", "magnet:?xt=urn:btih:abc"} {
		_, err := mux.Fetch(ctx, Job{Request: domain.Request{URL: u}}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ytdlp", "ytdlp", "torrent"}, seen)

	_, err := mux.Fetch(ctx, Job{Request: domain.Request{URL: "ftp://example.com/f"}}, nil)
	assert.Error(t, err)
}

func TestProgressFromUpdate(t *testing.T) {
	p := progressFromUpdate(ytdlp.ProgressUpdate{DownloadedBytes: 30, TotalBytes: 120})
	assert.Equal(t, int64(30), p.DownloadedBytes)
	assert.Equal(t, int64(120), p.TotalBytes)
	assert.Zero(t, p.Speed, "no speed without a start time")
}

func TestCopyTree(t *testing.T) {
	src := filepath.Join(t.TempDir(), "payload")
	writeFile(t, filepath.Join(src, "a.mkv"), 7)
	writeFile(t, filepath.Join(src, "subs", "a.srt"), 3)

	dst := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, copyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "subs", "a.srt"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())
	assert.FileExists(t, filepath.Join(dst, "a.mkv"))
}
