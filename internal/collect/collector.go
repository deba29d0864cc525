// Package collect defines the uniform contract between the integrator and
// the heterogeneous upstream collectors (assessor API, MLS scraper).
package collect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContentKind tells the extractor how to interpret a raw payload.
type ContentKind string

const (
	ContentJSON ContentKind = "json"
	ContentHTML ContentKind = "html"
)

// Query selects what to collect. Exactly one of Zip, APN, or URL is set.
type Query struct {
	Zip   string
	APN   string
	URL   string
	Limit int
}

// RawPayload is one raw record pulled from an upstream, plus collection
// metadata. Hash deduplicates identical payloads across runs.
type RawPayload struct {
	Source      string
	ExternalID  string
	ContentKind ContentKind
	Data        []byte
	CollectedAt time.Time
	Hash        string
}

// Item is one element of a collection stream: a payload or a per-record
// error. Per-record errors never abort the stream.
type Item struct {
	Payload *RawPayload
	Err     error
}

// Collector pulls raw payloads for a query. Collect returns a finite stream
// that is closed when the query is exhausted or ctx is cancelled.
type Collector interface {
	Name() string
	Supports(q Query) bool
	Collect(ctx context.Context, q Query) (<-chan Item, error)
	Close() error
}

// HashPayload returns the hex SHA-256 of raw data.
func HashPayload(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NewRawPayload builds a payload with hash and timestamp filled in.
func NewRawPayload(source, externalID string, kind ContentKind, data []byte) *RawPayload {
	return &RawPayload{
		Source:      source,
		ExternalID:  externalID,
		ContentKind: kind,
		Data:        data,
		CollectedAt: time.Now().UTC(),
		Hash:        HashPayload(data),
	}
}
