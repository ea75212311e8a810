// Package artifact archives successful task payloads in blob storage. The
// store abstraction allows the dispatcher to be independent of a specific
// backend (Google Cloud Storage, the local filesystem, or memory).
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

// BlobStore writes one artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver is a result sink that writes each successful payload to blob
// storage, keyed by task ID and payload digest. Failed tasks carry no
// payload and are skipped.
type Archiver struct {
	store  BlobStore
	prefix string
}

// NewArchiver creates an Archiver writing under the given key prefix.
func NewArchiver(store BlobStore, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Archiver{store: store, prefix: prefix}, nil
}

// Consume archives the result payload when present.
func (a *Archiver) Consume(ctx context.Context, res dispatch.Result) error {
	if len(res.Payload) == 0 {
		return nil
	}
	sum := sha256.Sum256(res.Payload)
	key := path.Join(a.prefix, res.TaskID, hex.EncodeToString(sum[:]))
	if _, err := a.store.PutObject(ctx, key, "application/octet-stream", bytes.NewReader(res.Payload)); err != nil {
		return fmt.Errorf("archive payload for task %s: %w", res.TaskID, err)
	}
	return nil
}
