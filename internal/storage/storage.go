// Package storage mirrors finished task artifacts to object storage. Every task owns one
// key prefix, <root>/<task id>/, so artifacts are listed and removed by task id alone.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Artifact is one mirrored file of a task.
type Artifact struct {
	Name         string
	Key          string
	Size         int64
	LastModified *time.Time
}

// Service mirrors task artifacts to remote storage.
type Service interface {
	// Mirror uploads files under the task's prefix and returns its location (s3://bucket/prefix).
	Mirror(ctx context.Context, taskID string, files []string, progress func(done, total int64)) (string, error)
	Artifacts(ctx context.Context, taskID string) ([]Artifact, error)
	Remove(ctx context.Context, taskID string) error
}

// Layout maps task ids onto object keys.
type Layout struct {
	Bucket string
	Root   string
}

func (l Layout) validate() error {
	if l.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	return nil
}

// Prefix is the key prefix shared by all artifacts of taskID, with a trailing slash.
func (l Layout) Prefix(taskID string) (string, error) {
	id := strings.Trim(taskID, "/ ")
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if root := strings.Trim(l.Root, "/"); root != "" {
		return root + "/" + id + "/", nil
	}
	return id + "/", nil
}

// Location renders the prefix of taskID as an s3 URL.
func (l Layout) Location(taskID string) (string, error) {
	prefix, err := l.Prefix(taskID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", l.Bucket, strings.TrimSuffix(prefix, "/")), nil
}
