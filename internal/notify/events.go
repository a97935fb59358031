package notify

import (
	"fmt"
	"time"

	"tubefetch/internal/domain"
)

// StatusData is the payload of a status event.
type StatusData struct {
	Status  domain.TaskStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	Title       string `json:"title"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

func ProgressEvent(taskID string, p domain.Progress) Event {
	return Event{Type: EventProgress, TaskID: taskID, Data: p, Timestamp: time.Now().UTC()}
}

func StatusEvent(taskID string, status domain.TaskStatus, message string) Event {
	return Event{
		Type:      EventStatus,
		TaskID:    taskID,
		Data:      StatusData{Status: status, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

func CompleteEvent(taskID string, res domain.Result) Event {
	return Event{
		Type:   EventComplete,
		TaskID: taskID,
		Data: CompleteData{
			Title:       res.Title,
			Filename:    res.FileName,
			Size:        res.FileSize,
			DownloadURL: DownloadURL(taskID),
		},
		Timestamp: time.Now().UTC(),
	}
}

func ErrorEvent(taskID string, e domain.TaskError) Event {
	return Event{Type: EventError, TaskID: taskID, Data: e, Timestamp: time.Now().UTC()}
}

// SnapshotEvents describes a task's current state for a subscriber that joined late.
func SnapshotEvents(task domain.Task) []Event {
	events := []Event{StatusEvent(task.ID, task.Status, "")}
	switch {
	case task.Progress != nil:
		events = append(events, ProgressEvent(task.ID, *task.Progress))
	case task.Status == domain.TaskStatusCompleted && task.Result != nil:
		events = append(events, CompleteEvent(task.ID, *task.Result))
	case task.Status == domain.TaskStatusFailed && task.Error != nil:
		events = append(events, ErrorEvent(task.ID, *task.Error))
	}
	return events
}

// DownloadURL is the artifact path served for a completed task.
func DownloadURL(taskID string) string {
	return fmt.Sprintf("/api/v1/downloads/%s/file", taskID)
}
