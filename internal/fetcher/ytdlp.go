package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/sirupsen/logrus"

	"tubefetch/internal/domain"
)

const (
	outputTemplate          = "%(title).150B [%(id)s].%(ext)s"
	defaultProgressInterval = 500 * time.Millisecond
)

// YTDLP fetches http(s) media through the yt-dlp executable.
type YTDLP struct {
	progressInterval time.Duration
	logger           *logrus.Logger
}

func NewYTDLP(progressInterval time.Duration, logger *logrus.Logger) *YTDLP {
	if progressInterval <= 0 {
		progressInterval = defaultProgressInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &YTDLP{progressInterval: progressInterval, logger: logger}
}

func (y *YTDLP) Fetch(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var (
		mu    sync.Mutex
		last  *ytdlp.ExtractedInfo
		title string
	)

	dl := ytdlp.New().
		NoPlaylist().
		RestrictFilenames().
		ForceOverwrites().
		Output(filepath.Join(job.OutputDir, outputTemplate))
	applyFormat(dl, job.Request.Options)

	dl.ProgressFunc(y.progressInterval, func(update ytdlp.ProgressUpdate) {
		if update.Info != nil {
			mu.Lock()
			last = update.Info
			if update.Info.Title != nil && *update.Info.Title != "" {
				title = *update.Info.Title
			}
			mu.Unlock()
		}
		report(onProgress, progressFromUpdate(update))
	})

	logger := y.logger.WithField("task_id", job.TaskID)
	logger.Infof("yt-dlp started for %s", job.Request.URL)

	res, err := dl.Run(ctx, job.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if res != nil {
		if infos, infoErr := res.GetExtractedInfo(); infoErr == nil && len(infos) > 0 {
			last = infos[0]
		}
	}

	result := &Result{Title: title, Metadata: Metadata{URL: job.Request.URL, Title: title}}
	if last != nil {
		fillFromInfo(result, last)
	}
	if result.FilePath == "" {
		// fall back to whatever landed in the output directory
		result.FilePath = job.OutputDir
	}
	if result.Title == "" {
		result.Title = strings.TrimSuffix(filepath.Base(result.FilePath), filepath.Ext(result.FilePath))
	}
	return result, nil
}

func applyFormat(dl *ytdlp.Command, opts domain.Options) {
	if opts.AudioOnly {
		quality := opts.AudioBitrate
		if quality == "" || quality == "best" {
			quality = "0"
		} else {
			quality += "K"
		}
		dl.Format("bestaudio/best").
			ExtractAudio().
			AudioFormat("mp3").
			AudioQuality(quality)
		return
	}

	height := strings.TrimSuffix(opts.Quality, "p")
	if opts.Quality == "" || opts.Quality == domain.DefaultQuality || height == opts.Quality {
		dl.Format("bestvideo+bestaudio/best")
		return
	}
	dl.Format(fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height))
}

func progressFromUpdate(update ytdlp.ProgressUpdate) Progress {
	p := Progress{
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			p.Speed = int64(float64(update.DownloadedBytes) / elapsed)
		}
	}
	if eta := update.ETA(); eta > 0 {
		p.ETA = int64(eta.Seconds())
	}
	return p
}

func fillFromInfo(result *Result, info *ytdlp.ExtractedInfo) {
	if info.Title != nil && *info.Title != "" {
		result.Title = *info.Title
		result.Metadata.Title = *info.Title
	}
	if info.Filename != nil && *info.Filename != "" {
		result.FilePath = *info.Filename
	}
	if info.Uploader != nil {
		result.Metadata.Uploader = *info.Uploader
	}
	if info.Duration != nil {
		result.Metadata.Duration = *info.Duration
	}
	if info.Description != nil {
		result.Metadata.Description = *info.Description
	}
	if info.Thumbnail != nil {
		result.Metadata.ThumbnailURL = *info.Thumbnail
	}
}

var _ Fetcher = (*YTDLP)(nil)
