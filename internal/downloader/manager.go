package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tubefetch/internal/domain"
	"tubefetch/internal/fetcher"
	"tubefetch/internal/ledger"
	"tubefetch/internal/notify"
	"tubefetch/internal/registry"
	"tubefetch/internal/storage"
)

// Manager drives download tasks from submission to a terminal state.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(ctx context.Context, accountID int64, req domain.Request) (domain.Task, error)
	Get(ctx context.Context, accountID int64, taskID string) (domain.Task, error)
	List(ctx context.Context, accountID int64) []domain.Task
	Artifact(ctx context.Context, accountID int64, taskID string) (domain.Result, error)
	Delete(ctx context.Context, accountID int64, taskID string) error
	Subscribe(ctx context.Context, accountID int64, taskID string, sink notify.Sink) (*notify.Subscription, error)
}

// SidecarWriter stores auxiliary files next to a finished download.
type SidecarWriter interface {
	Write(ctx context.Context, opts domain.Options, artifact string, meta fetcher.Metadata) ([]string, error)
}

type Config struct {
	DataDir       string
	MaxConcurrent int
	Logger        *logrus.Logger
}

// Deps are the collaborators a Manager is built from. Sidecars and Storage are optional.
type Deps struct {
	Registry *registry.Registry
	Hub      *notify.Hub
	Ledger   ledger.Service
	Fetcher  fetcher.Fetcher
	Sidecars SidecarWriter
	Storage  storage.Service
}

type manager struct {
	cfg  Config
	deps Deps

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*taskHandle
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, deps Deps) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:    cfg,
		deps:   deps,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		active: make(map[string]*taskHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("download manager started, data dir: %s", m.cfg.DataDir)
	return nil
}

// Shutdown cancels in-flight downloads and waits for their flows to settle; their credits
// are refunded on the way out.
func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

// Submit validates the request, creates the task and reserves its credits. The download
// itself runs in the background; the returned snapshot is pending. When the account cannot
// pay, the failed task is returned together with domain.ErrInsufficientCredits.
func (m *manager) Submit(ctx context.Context, accountID int64, req domain.Request) (domain.Task, error) {
	if m.ctx == nil {
		return domain.Task{}, errors.New("download manager not started")
	}

	normalized, err := req.Normalize()
	if err != nil {
		return domain.Task{}, err
	}
	cost := ledger.Estimate(normalized.Options)

	task, err := m.deps.Registry.Create(ctx, accountID, normalized, cost)
	if err != nil {
		return domain.Task{}, err
	}
	logger := m.cfg.Logger.WithField("task_id", task.ID)

	if _, err := m.deps.Ledger.Reserve(ctx, accountID, cost, usageDescription(task)); err != nil {
		taskErr := &domain.TaskError{Code: domain.CodeInternal, Message: "credit reservation failed"}
		if errors.Is(err, domain.ErrInsufficientCredits) {
			taskErr = &domain.TaskError{
				Code:    domain.CodeInsufficientCredits,
				Message: fmt.Sprintf("%d credits required", cost),
			}
			logger.Infof("rejected: %v", err)
		} else {
			logger.Errorf("reserve credits: %v", err)
		}

		failed, tErr := m.deps.Registry.Transition(ctx, task.ID, registry.Update{Status: domain.TaskStatusFailed, Error: taskErr})
		if tErr != nil {
			logger.Errorf("persist rejection: %v", tErr)
			failed = task
		}
		return failed, fmt.Errorf("reserve credits: %w", err)
	}

	logger.Infof("task accepted for %s, %d credits reserved", task.Request.URL, cost)
	m.spawnTask(task)
	return task, nil
}

func usageDescription(task domain.Task) string {
	opts := task.Request.Options
	if opts.AudioOnly {
		return fmt.Sprintf("download %s (audio %s)", task.ID, opts.AudioBitrate)
	}
	return fmt.Sprintf("download %s (%s)", task.ID, opts.Quality)
}

func refundDescription(task domain.Task) string {
	return fmt.Sprintf("refund for failed download %s", task.ID)
}

func (m *manager) spawnTask(task domain.Task) {
	taskCtx, cancel := context.WithCancel(m.ctx)
	handle := &taskHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.registerTask(task.ID, handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.unregisterTask(task.ID)
			close(handle.done)
		}()
		select {
		case <-taskCtx.Done():
			m.failTask(taskCtx, task, errors.New("cancelled before start"))
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.handleTask(taskCtx, task)
		}
	}()
}

func (m *manager) registerTask(id string, handle *taskHandle) {
	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()
}

func (m *manager) unregisterTask(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) getTaskHandle(id string) (*taskHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

func (m *manager) taskDir(id string) string {
	return filepath.Join(m.cfg.DataDir, id)
}

func (m *manager) handleTask(ctx context.Context, task domain.Task) {
	logger := m.cfg.Logger.WithField("task_id", task.ID)

	if _, err := m.deps.Registry.Transition(ctx, task.ID, registry.Update{Status: domain.TaskStatusDownloading}); err != nil {
		m.failTask(ctx, task, fmt.Errorf("start download: %w", err))
		return
	}
	m.deps.Hub.Publish(task.ID, notify.StatusEvent(task.ID, domain.TaskStatusDownloading, "download started"))

	f := newFlow(ctx, m, task, logger)
	res, err := m.deps.Fetcher.Fetch(ctx, fetcher.Job{
		TaskID:    task.ID,
		Request:   task.Request,
		OutputDir: m.taskDir(task.ID),
	}, f.onProgress)
	f.close()

	if err != nil {
		m.failTask(ctx, task, err)
		return
	}
	m.finishTask(ctx, task, res)
}

func (m *manager) finishTask(ctx context.Context, task domain.Task, res *fetcher.Result) {
	logger := m.cfg.Logger.WithField("task_id", task.ID)

	if _, err := m.deps.Registry.Transition(ctx, task.ID, registry.Update{Status: domain.TaskStatusProcessing}); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.failTask(ctx, task, fmt.Errorf("start processing: %w", err))
			return
		}
		logger.Infof("task gone before processing, discarding download: %v", err)
		m.removeLocal(task.ID)
		m.refund(ctx, task, logger)
		return
	}
	m.deps.Hub.Publish(task.ID, notify.StatusEvent(task.ID, domain.TaskStatusProcessing, "processing download"))

	path, info, err := fetcher.ResolveFile(res.FilePath)
	if err != nil {
		m.failTask(ctx, task, fmt.Errorf("downloaded file not found: %w", err))
		return
	}

	result := domain.Result{
		Title:    res.Title,
		FilePath: path,
		FileName: filepath.Base(path),
		FileSize: info.Size(),
	}

	opts := task.Request.Options
	if m.deps.Sidecars != nil && (opts.SaveMetadata || opts.SaveThumbnail) {
		written, err := m.deps.Sidecars.Write(ctx, opts, path, res.Metadata)
		if err != nil {
			logger.Warnf("write sidecars: %v", err)
		}
		result.Sidecars = written
	}

	if location, err := m.mirror(ctx, task.ID, append([]string{path}, result.Sidecars...), logger); err != nil {
		logger.Warnf("mirror to object storage: %v", err)
	} else {
		result.RemoteLocation = location
	}

	if _, err := m.deps.Registry.Transition(ctx, task.ID, registry.Update{Status: domain.TaskStatusCompleted, Result: &result}); err != nil {
		m.removeRemote(task.ID, result.RemoteLocation, logger)
		if !errors.Is(err, domain.ErrNotFound) {
			m.failTask(ctx, task, fmt.Errorf("complete task: %w", err))
			return
		}
		logger.Infof("task gone before completion, discarding download: %v", err)
		m.removeLocal(task.ID)
		m.refund(ctx, task, logger)
		return
	}
	m.deps.Hub.Publish(task.ID, notify.CompleteEvent(task.ID, result))
	logger.Infof("task completed: %s (%s)", result.FileName, formatBytes(result.FileSize))
}

func (m *manager) mirror(ctx context.Context, taskID string, files []string, logger *logrus.Entry) (string, error) {
	if m.deps.Storage == nil {
		return "", nil
	}
	return m.deps.Storage.Mirror(ctx, taskID, files, newProgressLogger(logger, "upload"))
}

// failTask records a download failure, refunds the reserved credits and tells the
// subscriber. Any task that never reaches completed is refunded, deleted ones included.
func (m *manager) failTask(ctx context.Context, task domain.Task, failErr error) {
	logger := m.cfg.Logger.WithField("task_id", task.ID)
	logger.Errorf("download failed: %v", failErr)

	taskErr := domain.TaskError{Code: domain.CodeDownloadFailed, Message: userMessage(failErr)}
	_, err := m.deps.Registry.Transition(ctx, task.ID, registry.Update{Status: domain.TaskStatusFailed, Error: &taskErr})
	deleted := errors.Is(err, domain.ErrNotFound)
	if err != nil && !deleted {
		logger.Errorf("persist failure status: %v", err)
	}

	m.refund(ctx, task, logger)

	if deleted {
		m.removeLocal(task.ID)
		return
	}
	m.deps.Hub.Publish(task.ID, notify.ErrorEvent(task.ID, taskErr))
}

func (m *manager) refund(ctx context.Context, task domain.Task, logger *logrus.Entry) {
	if _, err := m.deps.Ledger.Refund(context.WithoutCancel(ctx), task.AccountID, task.Cost, refundDescription(task)); err != nil {
		logger.Errorf("refund %d credits: %v", task.Cost, err)
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "download cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "download timed out"
	case errors.Is(err, domain.ErrNotFound):
		return "downloaded file not found"
	}
	return "the media could not be downloaded"
}

func (m *manager) Get(ctx context.Context, accountID int64, taskID string) (domain.Task, error) {
	task, err := m.deps.Registry.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.AccountID != accountID {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return task, nil
}

func (m *manager) List(ctx context.Context, accountID int64) []domain.Task {
	return m.deps.Registry.List(ctx, accountID)
}

// Artifact returns the result of a completed task whose file is still on disk.
func (m *manager) Artifact(ctx context.Context, accountID int64, taskID string) (domain.Result, error) {
	task, err := m.Get(ctx, accountID, taskID)
	if err != nil {
		return domain.Result{}, err
	}
	if task.Status != domain.TaskStatusCompleted || task.Result == nil {
		return domain.Result{}, fmt.Errorf("task %s is %s: %w", taskID, task.Status, domain.ErrConflict)
	}
	if _, err := os.Stat(task.Result.FilePath); err != nil {
		return domain.Result{}, fmt.Errorf("artifact of task %s: %w", taskID, domain.ErrNotFound)
	}
	return *task.Result, nil
}

// Delete removes the task, stops its download if one is running and deletes its files.
func (m *manager) Delete(ctx context.Context, accountID int64, taskID string) error {
	if _, err := m.Get(ctx, accountID, taskID); err != nil {
		return err
	}

	removed, ok := m.deps.Registry.Delete(ctx, taskID)
	if !ok {
		return nil
	}
	logger := m.cfg.Logger.WithField("task_id", taskID)

	if handle, running := m.getTaskHandle(taskID); running {
		handle.cancel()
	}

	m.removeLocal(taskID)
	if removed.Result != nil {
		m.removeRemote(taskID, removed.Result.RemoteLocation, logger)
	}
	logger.Info("task deleted")
	return nil
}

func (m *manager) removeLocal(taskID string) {
	if err := os.RemoveAll(m.taskDir(taskID)); err != nil {
		m.cfg.Logger.WithField("task_id", taskID).Warnf("remove local data: %v", err)
	}
}

func (m *manager) removeRemote(taskID, location string, logger *logrus.Entry) {
	if location == "" || m.deps.Storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.deps.Storage.Remove(ctx, taskID); err != nil {
		logger.Warnf("delete remote data: %v", err)
	}
}

// Subscribe binds sink to the task and immediately replays its current state, so a late
// subscriber starts from the registry snapshot rather than from missed history.
func (m *manager) Subscribe(ctx context.Context, accountID int64, taskID string, sink notify.Sink) (*notify.Subscription, error) {
	if _, err := m.Get(ctx, accountID, taskID); err != nil {
		return nil, err
	}

	sub := m.deps.Hub.Subscribe(taskID, sink)
	snapshot, err := m.deps.Registry.Get(ctx, taskID)
	if err != nil {
		// deleted between the two lookups
		sub.Cancel()
		return nil, err
	}
	for _, ev := range notify.SnapshotEvents(snapshot) {
		m.deps.Hub.Publish(taskID, ev)
	}
	return sub, nil
}

var _ Manager = (*manager)(nil)
