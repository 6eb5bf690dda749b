// Package bucket stores response snapshots in named buckets keyed by request.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrBucketGone is returned by Put when the bucket was deleted after the
	// handle was opened. The write is discarded.
	ErrBucketGone = errors.New("bucket: bucket deleted")
	// ErrCorrupt marks a persisted snapshot that failed decoding or digest
	// verification.
	ErrCorrupt = errors.New("bucket: corrupt snapshot")
)

// RequestKey identifies a cached request: method and absolute URL without fragment.
type RequestKey string

// KeyFor builds the key for method and rawURL. rawURL must be absolute.
func KeyFor(method, rawURL string) (RequestKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bucket: parse request url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("bucket: request url %q is not absolute", rawURL)
	}
	return keyForURL(method, u), nil
}

// KeyForRequest builds the key for an outbound request.
func KeyForRequest(r *http.Request) (RequestKey, error) {
	if r == nil || r.URL == nil {
		return "", errors.New("bucket: request required")
	}
	if !r.URL.IsAbs() {
		return "", fmt.Errorf("bucket: request url %q is not absolute", r.URL.String())
	}
	return keyForURL(r.Method, r.URL), nil
}

func keyForURL(method string, u *url.URL) RequestKey {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey(method + " " + clean.String())
}

// Method returns the request method part of the key.
func (k RequestKey) Method() string {
	method, _, _ := strings.Cut(string(k), " ")
	return method
}

// URL returns the URL part of the key.
func (k RequestKey) URL() string {
	_, rest, _ := strings.Cut(string(k), " ")
	return rest
}

// Snapshot is a full copy of a response: status, headers and body.
type Snapshot struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy so callers never share header maps or body slices.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		URL:      s.URL,
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

// Storage is the set of named buckets.
type Storage interface {
	// Open returns a handle to the named bucket, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)
	// Lookup returns a handle to the named bucket only if it exists. It never
	// creates one.
	Lookup(ctx context.Context, name string) (Bucket, bool, error)
	// Names lists existing buckets in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named bucket and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

// Bucket is a handle to one named request-to-snapshot store. Handles are
// cheap and meant to be acquired per operation.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key RequestKey) (Snapshot, bool, error)
	Put(ctx context.Context, key RequestKey, snapshot Snapshot) error
	// Keys lists stored request keys in lexical order.
	Keys(ctx context.Context) ([]RequestKey, error)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("bucket: name required")
	}
	return nil
}
