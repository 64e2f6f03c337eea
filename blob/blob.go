// Package blob stores message bodies in an S3-compatible object store,
// addressed by their content hash.
package blob

import (
	"context"
	"io"
	"time"

	"github.com/brevmail/brev/pkg/metrics"
)

// Store is the content-addressed body store. Keys are BLAKE3 content
// hashes, so the same body is stored once no matter how many folders
// reference it.
type Store interface {
	Put(ctx context.Context, hash string, body io.Reader, size int64) error
	Get(ctx context.Context, hash string) (io.ReadCloser, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.BlobOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.BlobOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
