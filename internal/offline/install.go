package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/offlinecache/internal/bucket"
	"github.com/l0p7/offlinecache/internal/metrics"
)

// AssetFailure records a manifest URL that could not be stored.
type AssetFailure struct {
	URL string
	Err error
}

// InstallReport summarizes a best-effort install.
type InstallReport struct {
	Version string
	Stored  []string
	Failed  []AssetFailure
}

// Install opens the current bucket, creating it if absent, and stores every
// manifest URL into it. A failing asset is logged and skipped; the returned
// error is non-nil only when the bucket itself cannot be opened.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	return m.install(ctx, m.Current())
}

func (m *Manager) install(ctx context.Context, manifest Manifest) (InstallReport, error) {
	report := InstallReport{Version: manifest.Version}
	b, err := m.open(ctx, manifest.Version)
	if err != nil {
		return report, fmt.Errorf("offline: open bucket %s: %w", manifest.Version, err)
	}
	m.logger.Info("bucket opened", slog.String("version", manifest.Version), slog.Int("assets", len(manifest.URLs)))

	results := make([]error, len(manifest.URLs))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, rawURL := range manifest.URLs {
		i, rawURL := i, rawURL
		g.Go(func() error {
			results[i] = m.precache(ctx, b, rawURL)
			return nil
		})
	}
	_ = g.Wait()

	for i, rawURL := range manifest.URLs {
		if err := results[i]; err != nil {
			m.logger.Warn("asset pre-cache failed",
				slog.String("version", manifest.Version),
				slog.String("url", rawURL),
				slog.Any("error", err))
			report.Failed = append(report.Failed, AssetFailure{URL: rawURL, Err: err})
			m.metrics.ObserveInstallAsset(false)
			continue
		}
		report.Stored = append(report.Stored, rawURL)
		m.metrics.ObserveInstallAsset(true)
	}
	m.logger.Info("install complete",
		slog.String("version", manifest.Version),
		slog.Int("stored", len(report.Stored)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

// precache fetches one asset and stores it under its GET key. Only 2xx
// responses are accepted.
func (m *Manager) precache(ctx context.Context, b bucket.Bucket, rawURL string) error {
	key, err := bucket.KeyFor(http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("offline: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("offline: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("offline: fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("offline: read body: %w", err)
	}

	start := time.Now()
	err = b.Put(ctx, key, bucket.Snapshot{
		URL:      key.URL(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		m.metrics.ObserveBucket(metrics.BucketOperationPut, metrics.BucketResultError, time.Since(start))
		return fmt.Errorf("offline: store: %w", err)
	}
	m.metrics.ObserveBucket(metrics.BucketOperationPut, metrics.BucketResultOK, time.Since(start))
	return nil
}
