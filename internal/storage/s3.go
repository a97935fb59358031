package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// objectAPI is the part of *s3.Client used for listing and deleting artifacts.
type objectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Service mirrors task artifacts to Amazon S3 (or compatible APIs).
type S3Service struct {
	layout   Layout
	objects  objectAPI
	uploader uploadAPI
}

func NewS3Service(client *s3.Client, layout Layout) (*S3Service, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	return &S3Service{
		layout:   layout,
		objects:  client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Service) Mirror(ctx context.Context, taskID string, files []string, progress func(done, total int64)) (string, error) {
	prefix, err := s.layout.Prefix(taskID)
	if err != nil {
		return "", err
	}

	var total int64
	for _, p := range files {
		fi, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		if fi.IsDir() {
			return "", fmt.Errorf("%s is a directory", p)
		}
		total += fi.Size()
	}

	reporter := newProgressReporter(total, progress)
	reporter.report(0)

	for _, p := range files {
		if err := s.put(ctx, prefix+filepath.Base(p), p, reporter); err != nil {
			return "", err
		}
	}
	reporter.flush()

	return s.layout.Location(taskID)
}

func (s *S3Service) put(ctx context.Context, key, path string, reporter *progressReporter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body io.Reader = f
	if reporter != nil {
		body = io.TeeReader(f, reporter)
	}
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.layout.Bucket),
		Key:    aws.String(key),
		Body:   body,
		ACL:    types.ObjectCannedACLPrivate,
	}); err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Artifacts lists the mirrored files of a task, named relative to the task prefix.
func (s *S3Service) Artifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	prefix, err := s.layout.Prefix(taskID)
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	err = s.eachPage(ctx, prefix, func(page []types.Object) error {
		for _, obj := range page {
			key := aws.ToString(obj.Key)
			artifacts = append(artifacts, Artifact{
				Name:         strings.TrimPrefix(key, prefix),
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// Remove deletes every object under the task prefix.
func (s *S3Service) Remove(ctx context.Context, taskID string) error {
	prefix, err := s.layout.Prefix(taskID)
	if err != nil {
		return err
	}

	return s.eachPage(ctx, prefix, func(page []types.Object) error {
		if len(page) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, len(page))
		for i, obj := range page {
			ids[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		_, err := s.objects.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.layout.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete artifacts of %s: %w", taskID, err)
		}
		return nil
	})
}

func (s *S3Service) eachPage(ctx context.Context, prefix string, fn func([]types.Object) error) error {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.layout.Bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := s.objects.ListObjectsV2(ctx, in)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := fn(out.Contents); err != nil {
			return err
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

var _ Service = (*S3Service)(nil)

// progressReporter turns bytes read by the uploader into throttled callbacks. A nil
// reporter ignores everything.
type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{total: total, cb: cb}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	if now := time.Now(); now.Sub(p.lastFire) >= 200*time.Millisecond || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}

func (p *progressReporter) report(done int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.lastFire = time.Now()
	p.cb(p.done, p.total)
}

func (p *progressReporter) flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
