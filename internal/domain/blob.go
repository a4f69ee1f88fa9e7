package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies settled history and tick snapshots to cold storage.
type Archiver interface {
	ArchiveBets(ctx context.Context, before time.Time) (int64, error)
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
	ArchiveTicks(ctx context.Context, ticks []PriceTick) (int64, error)
}
