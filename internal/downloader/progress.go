package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tubefetch/internal/domain"
	"tubefetch/internal/fetcher"
	"tubefetch/internal/notify"
)

// flow relays fetcher progress for one task into the registry and the hub. Callbacks
// arriving after close are ignored.
type flow struct {
	ctx    context.Context
	m      *manager
	task   domain.Task
	logger *logrus.Entry
	log    func(done, total int64)

	mu     sync.Mutex
	closed bool
}

func newFlow(ctx context.Context, m *manager, task domain.Task, logger *logrus.Entry) *flow {
	return &flow{
		ctx:    ctx,
		m:      m,
		task:   task,
		logger: logger,
		log:    newProgressLogger(logger, "download"),
	}
}

func (f *flow) onProgress(p fetcher.Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	snapshot, err := f.m.deps.Registry.UpdateProgress(f.ctx, f.task.ID, toDomainProgress(p))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			f.closed = true
		}
		f.logger.Debugf("drop progress: %v", err)
		return
	}
	if snapshot.Progress != nil {
		f.m.deps.Hub.Publish(f.task.ID, notify.ProgressEvent(f.task.ID, *snapshot.Progress))
	}
	f.log(p.DownloadedBytes, p.TotalBytes)
}

func (f *flow) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func toDomainProgress(p fetcher.Progress) domain.Progress {
	out := domain.Progress{
		DownloadedBytes: p.DownloadedBytes,
		TotalBytes:      p.TotalBytes,
		Speed:           p.Speed,
		ETA:             p.ETA,
	}
	if p.TotalBytes > 0 {
		pct := int(p.DownloadedBytes * 100 / p.TotalBytes)
		pct = max(0, min(pct, 100))
		out.Percentage = &pct
	}
	return out
}

func newProgressLogger(logger *logrus.Entry, what string) func(done, total int64) {
	var (
		lastLog time.Time
	)
	return func(done, total int64) {
		now := time.Now()
		if total == 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("%s progress: %s transferred", what, formatBytes(done))
			return
		}

		percent := float64(done) / float64(total) * 100
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("%s progress: %.1f%% (%s/%s)", what, percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
