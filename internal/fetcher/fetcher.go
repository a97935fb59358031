// Package fetcher performs the actual media retrieval through external tools and reports
// byte level progress.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tubefetch/internal/domain"
)

// Progress is one byte level progress report. TotalBytes is zero when unknown.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	// Speed in bytes per second and ETA in seconds, zero when the tool does not report them.
	Speed int64
	ETA   int64
}

// Metadata is what the tool learned about the media.
type Metadata struct {
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Uploader     string  `json:"uploader,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Description  string  `json:"description,omitempty"`
	ThumbnailURL string  `json:"thumbnail,omitempty"`
}

// Result is the terminal success report of a fetch.
type Result struct {
	Title    string
	FilePath string
	Metadata Metadata
}

// Job is one retrieval: the submitted request and the directory its files go to.
type Job struct {
	TaskID    string
	Request   domain.Request
	OutputDir string
}

// Fetcher retrieves the media of a job. onProgress may be called from any goroutine but
// never concurrently with itself, and not after Fetch returns.
type Fetcher interface {
	Fetch(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error)
}

// report forwards p when a callback is set.
func report(onProgress func(Progress), p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
}

var resolveExtensions = []string{".mp4", ".webm", ".mkv", ".mp3", ".m4a", ".opus", ".ogg"}

// ResolveFile finds the final artifact for path. Post-processing (audio extraction,
// merging) may have replaced the extension the tool first reported, so siblings with the
// same stem are tried too. Directories resolve to their largest file.
func ResolveFile(path string) (string, os.FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil, fmt.Errorf("resolve artifact: %w", domain.ErrNotFound)
	}

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return path, info, nil
		}
		return largestFile(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", nil, fmt.Errorf("stat artifact: %w", err)
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range resolveExtensions {
		candidate := stem + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, info, nil
		}
	}
	return "", nil, fmt.Errorf("resolve artifact %s: %w", filepath.Base(path), domain.ErrNotFound)
}

func largestFile(dir string) (string, os.FileInfo, error) {
	var (
		bestPath string
		bestInfo os.FileInfo
	)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if bestInfo == nil || info.Size() > bestInfo.Size() {
			bestPath, bestInfo = path, info
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	if bestInfo == nil {
		return "", nil, fmt.Errorf("directory %s is empty: %w", dir, domain.ErrNotFound)
	}
	return bestPath, bestInfo, nil
}
