package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks for data already in object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies closed-trade history to cold storage. History in the
// primary store is never deleted by archiving.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
}
