// Package offline serves requests network-first from a versioned bucket of
// response snapshots, pre-loading a manifest of assets on install and
// evicting buckets of previous versions on activation.
package offline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/offlinecache/internal/bucket"
	"github.com/l0p7/offlinecache/internal/metrics"
)

// ErrNoResponse is returned by Handle when the live fetch failed and the
// bucket holds nothing for the request.
var ErrNoResponse = errors.New("offline: no response")

// Manifest names the active bucket and the assets pre-loaded into it.
type Manifest struct {
	Version string
	URLs    []string
}

func (m Manifest) clone() Manifest {
	return Manifest{Version: m.Version, URLs: slices.Clone(m.URLs)}
}

// Fetcher issues live requests. *http.Client satisfies it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// StorePolicy decides whether a live response is written to the bucket.
type StorePolicy interface {
	Allow(req *http.Request, status int, header http.Header) (bool, error)
}

// StorePolicyFunc adapts a function to StorePolicy.
type StorePolicyFunc func(req *http.Request, status int, header http.Header) (bool, error)

func (f StorePolicyFunc) Allow(req *http.Request, status int, header http.Header) (bool, error) {
	return f(req, status, header)
}

// DefaultStorePolicy stores GET responses whose status is exactly 200.
var DefaultStorePolicy StorePolicy = StorePolicyFunc(func(req *http.Request, status int, _ http.Header) (bool, error) {
	return req != nil && req.Method == http.MethodGet && status == http.StatusOK, nil
})

// Options configures a Manager.
type Options struct {
	Storage  bucket.Storage
	Client   Fetcher
	Manifest Manifest
	// Policy defaults to DefaultStorePolicy.
	Policy  StorePolicy
	Metrics *metrics.Recorder
	// InstallConcurrency bounds parallel manifest fetches. Zero means 4.
	InstallConcurrency int
}

// Manager owns the lifecycle of the versioned bucket.
type Manager struct {
	logger      *slog.Logger
	storage     bucket.Storage
	client      Fetcher
	policy      StorePolicy
	metrics     *metrics.Recorder
	concurrency int

	current  atomic.Pointer[Manifest]
	updateMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// New validates opts and returns a Manager serving opts.Manifest.
func New(logger *slog.Logger, opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("offline: storage required")
	}
	if opts.Client == nil {
		return nil, errors.New("offline: client required")
	}
	if err := validateManifest(opts.Manifest); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultStorePolicy
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	m := &Manager{
		logger:      logger.With(slog.String("agent", "offline_cache")),
		storage:     opts.Storage,
		client:      opts.Client,
		policy:      policy,
		metrics:     opts.Metrics,
		concurrency: concurrency,
	}
	manifest := opts.Manifest.clone()
	m.current.Store(&manifest)
	return m, nil
}

func validateManifest(m Manifest) error {
	if m.Version == "" {
		return errors.New("offline: manifest version required")
	}
	return nil
}

// Current returns the manifest currently served.
func (m *Manager) Current() Manifest {
	return m.current.Load().clone()
}

// Entries counts the snapshots stored in the current bucket.
func (m *Manager) Entries(ctx context.Context) (int, error) {
	b, ok, err := m.lookup(ctx, m.current.Load().Version)
	if err != nil || !ok {
		return 0, err
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Update runs an install/activate cycle for next. The previous manifest keeps
// serving until next is installed; a failed install leaves it in place.
func (m *Manager) Update(ctx context.Context, next Manifest) (InstallReport, error) {
	if err := validateManifest(next); err != nil {
		return InstallReport{}, err
	}
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	next = next.clone()
	report, err := m.install(ctx, next)
	if err != nil {
		return report, err
	}
	previous := m.current.Swap(&next)
	m.logger.Info("manifest updated",
		slog.String("previous_version", previous.Version),
		slog.String("version", next.Version),
		slog.Int("assets", len(next.URLs)))
	if _, err := m.Activate(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Close stops spawning detached stores and waits for the ones in flight.
// Handle keeps serving afterwards but no longer writes to the bucket.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()
	return m.Wait(ctx)
}

// Wait blocks until every detached store task has finished or ctx is done.
// It must not race with Handle; at shutdown use Close.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open acquires a bucket handle for the duration of one operation.
func (m *Manager) open(ctx context.Context, name string) (bucket.Bucket, error) {
	start := time.Now()
	b, err := m.storage.Open(ctx, name)
	if err != nil {
		m.metrics.ObserveBucket(metrics.BucketOperationOpen, metrics.BucketResultError, time.Since(start))
		return nil, err
	}
	m.metrics.ObserveBucket(metrics.BucketOperationOpen, metrics.BucketResultOK, time.Since(start))
	return b, nil
}

// lookup acquires a handle to an existing bucket without creating it.
func (m *Manager) lookup(ctx context.Context, name string) (bucket.Bucket, bool, error) {
	start := time.Now()
	b, ok, err := m.storage.Lookup(ctx, name)
	switch {
	case err != nil:
		m.metrics.ObserveBucket(metrics.BucketOperationLookup, metrics.BucketResultError, time.Since(start))
		return nil, false, err
	case !ok:
		m.metrics.ObserveBucket(metrics.BucketOperationLookup, metrics.BucketResultMiss, time.Since(start))
		return nil, false, nil
	}
	m.metrics.ObserveBucket(metrics.BucketOperationLookup, metrics.BucketResultHit, time.Since(start))
	return b, true, nil
}
