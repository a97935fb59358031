package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Mux dispatches a request to the fetcher registered for its URL scheme.
type Mux struct {
	byScheme map[string]Fetcher
}

func NewMux() *Mux {
	return &Mux{byScheme: make(map[string]Fetcher)}
}

// Handle registers f for the given schemes.
func (m *Mux) Handle(f Fetcher, schemes ...string) *Mux {
	for _, scheme := range schemes {
		m.byScheme[strings.ToLower(scheme)] = f
	}
	return m
}

func (m *Mux) Fetch(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	parsed, err := url.Parse(job.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	f, ok := m.byScheme[strings.ToLower(parsed.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q", parsed.Scheme)
	}
	return f.Fetch(ctx, job, onProgress)
}

var _ Fetcher = (*Mux)(nil)
