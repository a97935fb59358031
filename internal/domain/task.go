package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusProcessing  TaskStatus = "processing"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

// IsTerminal reports whether no transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:     {TaskStatusDownloading, TaskStatusFailed},
	TaskStatusDownloading: {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing:  {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	DefaultQuality      = "best"
	DefaultAudioBitrate = "192"
)

var qualityPattern = regexp.MustCompile(`^(best|[0-9]{3,4}p)$`)

// Options carries the user selectable download settings.
type Options struct {
	Quality       string `json:"quality"`
	AudioOnly     bool   `json:"audio_only"`
	AudioBitrate  string `json:"audio_quality"`
	SaveMetadata  bool   `json:"save_metadata"`
	SaveThumbnail bool   `json:"save_thumbnail"`
}

// Request is the immutable snapshot of a submission.
type Request struct {
	URL     string  `json:"url"`
	Options Options `json:"options"`
}

// Normalize fills defaults and validates the request shape. Unknown quality tiers are
// accepted as long as they look like a tier; pricing falls back to a default cost.
func (r Request) Normalize() (Request, error) {
	r.URL = strings.TrimSpace(r.URL)
	if r.URL == "" {
		return Request{}, Invalid("url is required")
	}
	if err := validateURL(r.URL); err != nil {
		return Request{}, err
	}

	q := strings.ToLower(strings.TrimSpace(r.Options.Quality))
	if q == "" {
		q = DefaultQuality
	}
	if !qualityPattern.MatchString(q) {
		return Request{}, Invalid("unsupported quality %q", r.Options.Quality)
	}
	r.Options.Quality = q

	bitrate, err := NormalizeBitrate(r.Options.AudioBitrate)
	if err != nil {
		return Request{}, err
	}
	r.Options.AudioBitrate = bitrate
	return r, nil
}

// NormalizeBitrate accepts "192", "192k", "192kbps" or "best" and returns the bare form.
func NormalizeBitrate(raw string) (string, error) {
	b := strings.ToLower(strings.TrimSpace(raw))
	if b == "" {
		return DefaultAudioBitrate, nil
	}
	if b == "best" {
		return b, nil
	}
	b = strings.TrimSuffix(strings.TrimSuffix(b, "kbps"), "k")
	n, err := strconv.Atoi(b)
	if err != nil || n < 32 || n > 320 {
		return "", Invalid("audio bitrate must be between 32 and 320 kbps, got %q", raw)
	}
	return strconv.Itoa(n), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Invalid("malformed url: %v", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return Invalid("url host is required")
		}
	case "magnet":
		if !strings.Contains(strings.ToLower(parsed.RawQuery), "xt=urn:btih:") {
			return Invalid("magnet uri has no btih exact topic")
		}
	default:
		return Invalid("unsupported url scheme %q", parsed.Scheme)
	}
	return nil
}

// Progress is the last known transfer snapshot of a downloading task.
type Progress struct {
	Percentage      *int  `json:"percentage,omitempty"`
	DownloadedBytes int64 `json:"downloaded_bytes"`
	TotalBytes      int64 `json:"total_bytes"`
	Speed           int64 `json:"speed"`
	ETA             int64 `json:"eta"`
}

// Result describes the artifact of a completed task.
type Result struct {
	Title          string   `json:"title"`
	FilePath       string   `json:"-"`
	FileName       string   `json:"filename"`
	FileSize       int64    `json:"size"`
	Sidecars       []string `json:"-"`
	RemoteLocation string   `json:"remote_location,omitempty"`
}

// Task is one unit of download work owned by the task registry.
type Task struct {
	ID          string
	AccountID   int64
	Status      TaskStatus
	Request     Request
	Cost        int64
	Progress    *Progress
	Result      *Result
	Error       *TaskError
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Clone returns a deep copy safe to hand out of the registry.
func (t Task) Clone() Task {
	if t.Progress != nil {
		p := *t.Progress
		if p.Percentage != nil {
			v := *p.Percentage
			p.Percentage = &v
		}
		t.Progress = &p
	}
	if t.Result != nil {
		r := *t.Result
		r.Sidecars = append([]string(nil), r.Sidecars...)
		t.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	if t.FailedAt != nil {
		v := *t.FailedAt
		t.FailedAt = &v
	}
	return t
}

func (t Task) String() string {
	return fmt.Sprintf("task %s (%s)", t.ID, t.Status)
}
