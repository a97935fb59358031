package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"
)

// magnetClient is the part of the BitTorrent client a job needs.
type magnetClient interface {
	addMagnet(uri string) (magnetHandle, error)
	close()
}

// magnetHandle is one torrent inside the client. The client hands out the same torrent
// for a repeated infohash, and key identifies it across jobs.
type magnetHandle interface {
	key() any
	addTrackers(trackers []string)
	gotInfo() <-chan struct{}
	closed() <-chan struct{}
	info() (name string, total int64, ok bool)
	downloadAll()
	bytesCompleted() int64
	bytesMissing() int64
	drop()
}

type anacrolixClient struct {
	client *torrent.Client
}

func newAnacrolixClient(dir string) (magnetClient, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dir
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return anacrolixClient{client: client}, nil
}

func (c anacrolixClient) addMagnet(uri string) (magnetHandle, error) {
	tor, err := c.client.AddMagnet(uri)
	if err != nil {
		return nil, err
	}
	return anacrolixTorrent{t: tor}, nil
}

func (c anacrolixClient) close() { c.client.Close() }

type anacrolixTorrent struct {
	t *torrent.Torrent
}

func (a anacrolixTorrent) key() any { return a.t }

func (a anacrolixTorrent) addTrackers(trackers []string) {
	for _, tracker := range trackers {
		a.t.AddTrackers([][]string{{tracker}})
	}
}

func (a anacrolixTorrent) gotInfo() <-chan struct{} { return a.t.GotInfo() }
func (a anacrolixTorrent) closed() <-chan struct{}  { return a.t.Closed() }

func (a anacrolixTorrent) info() (string, int64, bool) {
	info := a.t.Info()
	if info == nil {
		return "", 0, false
	}
	return info.BestName(), info.TotalLength(), true
}

func (a anacrolixTorrent) downloadAll()          { a.t.DownloadAll() }
func (a anacrolixTorrent) bytesCompleted() int64 { return a.t.BytesCompleted() }
func (a anacrolixTorrent) bytesMissing() int64   { return a.t.BytesMissing() }
func (a anacrolixTorrent) drop()                 { a.t.Drop() }

// Torrent fetches magnet URIs with an embedded BitTorrent client. The client is created
// lazily on the first magnet job and shared by all of them. Jobs for the same infohash
// share one torrent, which is dropped when the last of them lets go.
type Torrent struct {
	dataDir      string
	pollInterval time.Duration
	trackers     []string
	logger       *logrus.Logger
	newClient    func(dir string) (magnetClient, error)

	// stageMu keeps a copy for one job from racing the move for the last one.
	stageMu sync.Mutex

	mu        sync.Mutex
	client    magnetClient
	clientDir string
	refs      map[any]int
}

func NewTorrent(dataDir string, pollInterval time.Duration, logger *logrus.Logger) *Torrent {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Torrent{
		dataDir:      dataDir,
		pollInterval: pollInterval,
		trackers:     defaultTrackers(),
		logger:       logger,
		newClient:    newAnacrolixClient,
		refs:         make(map[any]int),
	}
}

func (t *Torrent) ensureClient() (magnetClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	dir := filepath.Join(t.dataDir, "torrents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}

	client, err := t.newClient(dir)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	t.client = client
	t.clientDir = dir
	t.logger.Infof("torrent client started, data dir: %s", dir)
	return client, nil
}

// acquire adds a magnet and takes a reference on the resulting torrent.
func (t *Torrent) acquire(client magnetClient, uri string) (magnetHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := client.addMagnet(uri)
	if err != nil {
		return nil, err
	}
	t.refs[h.key()]++
	return h, nil
}

// release gives up a reference and drops the torrent on the last one. It reports
// whether the caller was the last holder.
func (t *Torrent) release(h magnetHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := h.key()
	t.refs[k]--
	if t.refs[k] > 0 {
		return false
	}
	delete(t.refs, k)
	h.drop()
	return true
}

func (t *Torrent) Fetch(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	client, err := t.ensureClient()
	if err != nil {
		return nil, err
	}
	logger := t.logger.WithField("task_id", job.TaskID)

	h, err := t.acquire(client, job.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	var (
		releaseOnce sync.Once
		last        bool
	)
	release := func() bool {
		releaseOnce.Do(func() { last = t.release(h) })
		return last
	}
	defer release()

	h.addTrackers(t.trackers)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.closed():
		return nil, errors.New("torrent closed before metadata arrived")
	case <-h.gotInfo():
	}

	name, total, ok := h.info()
	if !ok {
		return nil, fmt.Errorf("missing torrent info")
	}
	logger.Infof("torrent metadata received: %s (%d bytes)", name, total)

	h.downloadAll()

	lastBytes := int64(0)
	lastTime := time.Now()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed():
			return nil, errors.New("torrent closed during download")
		case <-ticker.C:
			done := h.bytesCompleted()
			p := Progress{DownloadedBytes: done, TotalBytes: total}
			if elapsed := time.Since(lastTime).Seconds(); elapsed > 0 {
				p.Speed = int64(float64(done-lastBytes) / elapsed)
			}
			if p.Speed > 0 && total > done {
				p.ETA = (total - done) / p.Speed
			}
			lastBytes = done
			lastTime = time.Now()
			report(onProgress, p)

			if h.bytesMissing() == 0 {
				t.stageMu.Lock()
				dest, err := t.stage(name, job.OutputDir, release())
				t.stageMu.Unlock()
				if err != nil {
					return nil, err
				}
				logger.Info("torrent download completed")
				return &Result{
					Title:    name,
					FilePath: dest,
					Metadata: Metadata{URL: job.Request.URL, Title: name},
				}, nil
			}
		}
	}
}

// stage puts the finished payload into the job's own directory so that deleting the task
// removes it. The payload is moved when no other job shares it, copied otherwise.
func (t *Torrent) stage(name, outputDir string, move bool) (string, error) {
	t.mu.Lock()
	src := filepath.Join(t.clientDir, name)
	t.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	dest := filepath.Join(outputDir, name)
	if !move {
		if err := copyTree(src, dest); err != nil {
			return "", fmt.Errorf("stage torrent payload: %w", err)
		}
		return dest, nil
	}
	if err := os.Rename(src, dest); err != nil {
		if copyErr := copyTree(src, dest); copyErr != nil {
			return "", fmt.Errorf("stage torrent payload: %w", copyErr)
		}
		if removeErr := os.RemoveAll(src); removeErr != nil {
			t.logger.Warnf("remove torrent payload after copy: %v", removeErr)
		}
	}
	return dest, nil
}

// Close shuts the shared client down.
func (t *Torrent) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.close()
		t.client = nil
	}
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Fetcher = (*Torrent)(nil)

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
