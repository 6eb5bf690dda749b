package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/offlinecache/internal/offline"
)

// SourceHeader reports whether a proxied response came from the network or the bucket.
const SourceHeader = "X-Offline-Source"

// OfflineHTTP defines the minimal surface the router needs from the offline
// cache manager to serve HTTP requests.
type OfflineHTTP interface {
	Handle(context.Context, *http.Request) (*offline.Response, error)
	Current() offline.Manifest
	Entries(context.Context) (int, error)
}

// ProxyOptions configures NewProxyHandler.
type ProxyOptions struct {
	// Origin resolves origin-form request targets. Absolute-form targets
	// are fetched as given.
	Origin            *url.URL
	CorrelationHeader string
	Logger            *slog.Logger
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewProxyHandler routes /healthz to a status report and every other request
// through the offline cache manager.
func NewProxyHandler(m OfflineHTTP, opts ProxyOptions) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "offline cache unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "proxy"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() && strings.TrimRight(r.URL.Path, "/") == "/healthz" {
			serveHealth(w, r, m)
			return
		}

		reqLogger := logger
		if opts.CorrelationHeader != "" {
			if id := r.Header.Get(opts.CorrelationHeader); id != "" {
				reqLogger = logger.With(slog.String("correlation_id", id))
			}
		}

		target, ok := resolveTarget(r.URL, opts.Origin)
		if !ok {
			http.Error(w, "no upstream origin configured", http.StatusBadRequest)
			return
		}
		out := r.Clone(r.Context())
		out.URL = target
		out.Host = ""
		out.RequestURI = ""
		removeHopHeaders(out.Header)

		resp, err := m.Handle(r.Context(), out)
		if err != nil {
			if errors.Is(err, offline.ErrNoResponse) {
				reqLogger.Debug("request failed with no stored response", slog.String("url", target.String()), slog.Any("error", err))
			} else {
				reqLogger.Warn("request handling failed", slog.String("url", target.String()), slog.Any("error", err))
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		header := w.Header()
		for name, values := range resp.Header {
			header[name] = append([]string(nil), values...)
		}
		removeHopHeaders(header)
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		header.Set(SourceHeader, string(resp.Source))
		w.WriteHeader(resp.Status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
	})
}

func resolveTarget(requested *url.URL, origin *url.URL) (*url.URL, bool) {
	if requested.IsAbs() {
		target := *requested
		return &target, true
	}
	if origin == nil {
		return nil, false
	}
	ref := &url.URL{Path: requested.Path, RawPath: requested.RawPath, RawQuery: requested.RawQuery}
	return origin.ResolveReference(ref), true
}

func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

type healthReport struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Assets  int    `json:"assets"`
	Entries int    `json:"entries"`
}

func serveHealth(w http.ResponseWriter, r *http.Request, m OfflineHTTP) {
	current := m.Current()
	report := healthReport{Status: "ok", Version: current.Version, Assets: len(current.URLs)}
	status := http.StatusOK
	entries, err := m.Entries(r.Context())
	if err != nil {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		report.Entries = entries
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
