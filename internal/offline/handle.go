package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinecache/internal/bucket"
	"github.com/l0p7/offlinecache/internal/metrics"
)

// Source reports where a Response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Response is a fully read response handed back to the requester.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Handle serves req network-first. A live response is returned as-is and,
// when the store policy accepts it, written to the current bucket by a
// detached task. When the live fetch fails the stored snapshot for the
// request is returned instead, or ErrNoResponse when there is none.
//
// req.URL must be absolute; its context is not used after Handle returns.
func (m *Manager) Handle(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()
	key, err := bucket.KeyForRequest(req)
	if err != nil {
		return nil, fmt.Errorf("offline: %w", err)
	}
	version := m.current.Load().Version

	resp, fetchErr := m.fetch(ctx, req)
	if fetchErr == nil {
		m.storeDetached(ctx, version, req, key, resp)
		m.metrics.ObserveRequest(metrics.SourceNetwork, resp.Status, time.Since(start))
		return resp, nil
	}

	m.logger.Debug("live fetch failed, consulting bucket",
		slog.String("request", string(key)),
		slog.Any("error", fetchErr))
	cached, ok := m.match(ctx, m.current.Load().Version, key)
	if !ok {
		m.metrics.ObserveRequest(metrics.SourceNone, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, fetchErr)
	}
	m.metrics.ObserveRequest(metrics.SourceCache, cached.Status, time.Since(start))
	return cached, nil
}

func (m *Manager) fetch(ctx context.Context, req *http.Request) (*Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := m.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
		Source: SourceNetwork,
	}, nil
}

// storeDetached spawns the write of a live response. The task is tracked by
// Wait but never joined by the request path, and its failures are only logged.
// The write only lands in a bucket that still exists; a bucket evicted by an
// update cycle while the fetch was in flight stays evicted.
func (m *Manager) storeDetached(ctx context.Context, version string, req *http.Request, key bucket.RequestKey, resp *Response) {
	allow, err := m.policy.Allow(req, resp.Status, resp.Header)
	if err != nil {
		m.logger.Warn("store policy evaluation failed", slog.String("request", string(key)), slog.Any("error", err))
		return
	}
	if !allow {
		return
	}
	snapshot := bucket.Snapshot{
		URL:      key.URL(),
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: time.Now().UTC(),
	}
	storeCtx := context.WithoutCancel(ctx)

	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		m.logger.Debug("manager closed, response not stored", slog.String("request", string(key)))
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		b, ok, err := m.lookup(storeCtx, version)
		if err != nil {
			m.logger.Warn("bucket lookup for store failed", slog.String("bucket", version), slog.Any("error", err))
			return
		}
		if !ok {
			m.logger.Debug("bucket evicted before store", slog.String("bucket", version), slog.String("request", string(key)))
			return
		}
		start := time.Now()
		if err := b.Put(storeCtx, key, snapshot); err != nil {
			m.metrics.ObserveBucket(metrics.BucketOperationPut, metrics.BucketResultError, time.Since(start))
			if errors.Is(err, bucket.ErrBucketGone) {
				m.logger.Debug("bucket evicted before store", slog.String("bucket", version), slog.String("request", string(key)))
				return
			}
			m.logger.Warn("response store failed", slog.String("bucket", version), slog.String("request", string(key)), slog.Any("error", err))
			return
		}
		m.metrics.ObserveBucket(metrics.BucketOperationPut, metrics.BucketResultOK, time.Since(start))
	}()
}

func (m *Manager) match(ctx context.Context, version string, key bucket.RequestKey) (*Response, bool) {
	b, ok, err := m.lookup(ctx, version)
	if err != nil {
		m.logger.Warn("bucket lookup for fallback failed", slog.String("bucket", version), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		m.logger.Debug("no bucket for fallback", slog.String("bucket", version), slog.String("request", string(key)))
		return nil, false
	}
	start := time.Now()
	snapshot, ok, err := b.Match(ctx, key)
	if err != nil {
		m.metrics.ObserveBucket(metrics.BucketOperationMatch, metrics.BucketResultError, time.Since(start))
		m.logger.Warn("bucket lookup failed", slog.String("bucket", version), slog.String("request", string(key)), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		m.metrics.ObserveBucket(metrics.BucketOperationMatch, metrics.BucketResultMiss, time.Since(start))
		m.logger.Debug("no stored response", slog.String("bucket", version), slog.String("request", string(key)))
		return nil, false
	}
	m.metrics.ObserveBucket(metrics.BucketOperationMatch, metrics.BucketResultHit, time.Since(start))
	return &Response{
		Status: snapshot.Status,
		Header: snapshot.Header,
		Body:   snapshot.Body,
		Source: SourceCache,
	}, true
}
