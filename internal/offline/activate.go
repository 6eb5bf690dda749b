package offline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/offlinecache/internal/metrics"
)

// Activate deletes every bucket whose name differs from the current version
// and returns the names it removed, in enumeration order. Enumeration and
// deletion errors are returned as-is; deletions that already succeeded stay
// done.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	version := m.current.Load().Version

	start := time.Now()
	names, err := m.storage.Names(ctx)
	if err != nil {
		m.metrics.ObserveBucket(metrics.BucketOperationNames, metrics.BucketResultError, time.Since(start))
		return nil, err
	}
	m.metrics.ObserveBucket(metrics.BucketOperationNames, metrics.BucketResultOK, time.Since(start))

	removed := make([]bool, len(names))
	var g errgroup.Group
	for i, name := range names {
		if name == version {
			continue
		}
		i, name := i, name
		g.Go(func() error {
			m.logger.Info("deleting stale bucket", slog.String("bucket", name), slog.String("version", version))
			start := time.Now()
			existed, err := m.storage.Delete(ctx, name)
			if err != nil {
				m.metrics.ObserveBucket(metrics.BucketOperationDelete, metrics.BucketResultError, time.Since(start))
				return err
			}
			m.metrics.ObserveBucket(metrics.BucketOperationDelete, metrics.BucketResultOK, time.Since(start))
			removed[i] = existed
			return nil
		})
	}
	err = g.Wait()

	var deleted []string
	for i, name := range names {
		if removed[i] {
			deleted = append(deleted, name)
		}
	}
	m.metrics.ObserveDeletedBuckets(len(deleted))
	return deleted, err
}
