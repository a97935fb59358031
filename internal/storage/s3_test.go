package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBucket serves list, delete and upload calls from a map, two keys per page.
type memoryBucket struct {
	mu      sync.Mutex
	objects map[string]int64
	deletes int
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{objects: make(map[string]int64)}
}

func (b *memoryBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == aws.ToString(in.ContinuationToken) {
				start = i
			}
		}
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(b.objects[k])})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (b *memoryBucket) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	for _, id := range in.Delete.Objects {
		delete(b.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (b *memoryBucket) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	n, err := io.Copy(io.Discard, in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.objects[aws.ToString(in.Key)] = n
	b.mu.Unlock()
	return &manager.UploadOutput{Key: in.Key}, nil
}

func newMemoryService(bucket *memoryBucket) *S3Service {
	return &S3Service{
		layout:   Layout{Bucket: "media", Root: "/tubefetch/"},
		objects:  bucket,
		uploader: bucket,
	}
}

func TestLayout(t *testing.T) {
	l := Layout{Bucket: "media", Root: "tubefetch"}
	prefix, err := l.Prefix("abc")
	require.NoError(t, err)
	assert.Equal(t, "tubefetch/abc/", prefix)

	loc, err := l.Location("abc")
	require.NoError(t, err)
	assert.Equal(t, "s3://media/tubefetch/abc", loc)

	prefix, err = Layout{Bucket: "media"}.Prefix("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc/", prefix)

	for _, bad := range []string{"", "/", "a/b"} {
		_, err := l.Prefix(bad)
		assert.Error(t, err, "task id %q", bad)
	}

	_, err = NewS3Service(nil, Layout{Root: "x"})
	assert.ErrorContains(t, err, "bucket")
}

func TestMirrorListAndRemove(t *testing.T) {
	ctx := context.Background()
	bucket := newMemoryBucket()
	bucket.objects["tubefetch/other/keep.mp4"] = 1
	svc := newMemoryService(bucket)

	dir := t.TempDir()
	var files []string
	for _, name := range []string{"clip.mp4", "clip.info.json", "clip.webp"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		files = append(files, p)
	}

	var last [2]int64
	loc, err := svc.Mirror(ctx, "task1", files, func(done, total int64) { last = [2]int64{done, total} })
	require.NoError(t, err)
	assert.Equal(t, "s3://media/tubefetch/task1", loc)
	assert.Equal(t, last[0], last[1])

	artifacts, err := svc.Artifacts(ctx, "task1")
	require.NoError(t, err)
	require.Len(t, artifacts, 3, "pages are followed")
	var names []string
	for _, a := range artifacts {
		names = append(names, a.Name)
		assert.Equal(t, "tubefetch/task1/"+a.Name, a.Key)
	}
	assert.ElementsMatch(t, []string{"clip.mp4", "clip.info.json", "clip.webp"}, names)

	require.NoError(t, svc.Remove(ctx, "task1"))
	artifacts, err = svc.Artifacts(ctx, "task1")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	assert.Contains(t, bucket.objects, "tubefetch/other/keep.mp4", "other tasks are untouched")

	_, err = svc.Mirror(ctx, "task2", []string{filepath.Join(dir, "missing.mp4")}, nil)
	assert.ErrorContains(t, err, "stat")
}

func TestProgressReporter(t *testing.T) {
	var calls [][2]int64
	p := newProgressReporter(10, func(done, total int64) {
		calls = append(calls, [2]int64{done, total})
	})
	require.NotNil(t, p)

	p.report(0)
	_, err := io.Copy(p, strings.NewReader("0123456789"))
	require.NoError(t, err)
	p.flush()

	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int64{0, 10}, calls[0])
	assert.Equal(t, [2]int64{10, 10}, calls[len(calls)-1])

	var none *progressReporter
	assert.Nil(t, newProgressReporter(10, nil))
	assert.NotPanics(t, func() {
		none.report(0)
		none.flush()
	})
}
