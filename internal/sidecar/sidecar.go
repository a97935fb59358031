// Package sidecar writes auxiliary files (metadata, thumbnail) next to a finished download.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tubefetch/internal/domain"
	"tubefetch/internal/fetcher"
)

const maxThumbnailBytes = 10 << 20

// Writer persists the sidecars a request asked for.
type Writer struct {
	client *http.Client
}

func NewWriter(client *http.Client) *Writer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Writer{client: client}
}

// Write stores the requested sidecars beside artifact and returns the paths written. It
// keeps going after a failure and reports the joined errors.
func (w *Writer) Write(ctx context.Context, opts domain.Options, artifact string, meta fetcher.Metadata) ([]string, error) {
	stem := strings.TrimSuffix(artifact, filepath.Ext(artifact))
	var (
		written []string
		errs    []error
	)

	if opts.SaveMetadata {
		p := stem + ".info.json"
		if err := writeMetadata(p, meta); err != nil {
			errs = append(errs, err)
		} else {
			written = append(written, p)
		}
	}

	if opts.SaveThumbnail {
		if meta.ThumbnailURL == "" {
			errs = append(errs, errors.New("thumbnail requested but no thumbnail url known"))
		} else if p, err := w.downloadThumbnail(ctx, meta.ThumbnailURL, stem); err != nil {
			errs = append(errs, err)
		} else {
			written = append(written, p)
		}
	}

	return written, errors.Join(errs...)
}

func writeMetadata(p string, meta fetcher.Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (w *Writer) downloadThumbnail(ctx context.Context, rawURL, stem string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build thumbnail request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch thumbnail: unexpected status %d", resp.StatusCode)
	}

	p := stem + thumbnailExt(rawURL, resp.Header.Get("Content-Type"))
	out, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("create thumbnail: %w", err)
	}
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxThumbnailBytes)); err != nil {
		_ = out.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close thumbnail: %w", err)
	}
	return p, nil
}

func thumbnailExt(rawURL, contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	}
	if ext := strings.ToLower(path.Ext(strings.SplitN(rawURL, "?", 2)[0])); ext == ".png" || ext == ".webp" || ext == ".jpg" {
		return ext
	}
	return ".jpg"
}
