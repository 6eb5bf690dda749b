package bucket

import (
	_ "crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
)

// Compression selects how persisted snapshot bodies are encoded.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// ParseCompression maps a configuration value onto a Compression.
func ParseCompression(raw string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(CompressionNone):
		return CompressionNone, nil
	case string(CompressionZstd):
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("bucket: unsupported compression %q", raw)
	}
}

// Codec serializes snapshots for the persistent backends. Bodies carry a
// digest that is verified on decode.
type Codec struct {
	compression Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

type envelope struct {
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header,omitempty"`
	Encoding string        `json:"encoding"`
	Digest   digest.Digest `json:"digest"`
	Body     []byte        `json:"body"`
	StoredAt time.Time     `json:"storedAt"`
}

// NewCodec prepares a codec. The zstd decoder is always available so
// entries written under a different compression setting stay readable.
func NewCodec(compression Compression) (*Codec, error) {
	c := &Codec{compression: compression}
	if compression == "" {
		c.compression = CompressionNone
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("bucket: zstd decoder: %w", err)
	}
	c.dec = dec
	if c.compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("bucket: zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// Encode serializes a snapshot.
func (c *Codec) Encode(s Snapshot) ([]byte, error) {
	env := envelope{
		URL:      s.URL,
		Status:   s.Status,
		Header:   s.Header,
		Encoding: encodingIdentity,
		Digest:   digest.FromBytes(s.Body),
		Body:     s.Body,
		StoredAt: s.StoredAt.UTC(),
	}
	if c.enc != nil && len(s.Body) > 0 {
		env.Encoding = encodingZstd
		env.Body = c.enc.EncodeAll(s.Body, make([]byte, 0, len(s.Body)/2))
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bucket: marshal snapshot: %w", err)
	}
	return payload, nil
}

// Decode restores a snapshot and verifies its body digest.
func (c *Codec) Decode(payload []byte) (Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	body := env.Body
	switch env.Encoding {
	case encodingIdentity, "":
	case encodingZstd:
		decoded, err := c.dec.DecodeAll(env.Body, nil)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		body = decoded
	default:
		return Snapshot{}, fmt.Errorf("%w: unknown encoding %q", ErrCorrupt, env.Encoding)
	}
	if err := env.Digest.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if got := env.Digest.Algorithm().FromBytes(body); got != env.Digest {
		return Snapshot{}, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, env.URL)
	}
	if body == nil {
		body = []byte{}
	}
	return Snapshot{
		URL:      env.URL,
		Status:   env.Status,
		Header:   env.Header,
		Body:     body,
		StoredAt: env.StoredAt,
	}, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	if c == nil {
		return
	}
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
