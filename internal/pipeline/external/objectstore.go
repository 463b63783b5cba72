// Package external declares the narrow adapters the pipeline uses to
// reach services outside the relational store: the object store and
// the embedding service. Stage handlers and the Storage Queue Processor
// depend on these interfaces, not on any concrete client, so a test can
// substitute an in-memory implementation.
package external

import (
	"context"
	"io"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

// ObjectStore is a content-addressed blob store. PutIfAbsent is the
// operation the Storage Queue Processor relies on for image dedup: an
// image already stored under the same content hash is never re-uploaded.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutIfAbsent(ctx context.Context, key string, content io.Reader) (existed bool, err error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// GCSObjectStore adapts the material bucket client to ObjectStore.
type GCSObjectStore struct {
	bucket gcp.BucketService
}

func NewGCSObjectStore(bucket gcp.BucketService) *GCSObjectStore {
	return &GCSObjectStore{bucket: bucket}
}

func (s *GCSObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	keys, err := s.bucket.ListKeys(ctx, gcp.BucketCategoryMaterial, key)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// PutIfAbsent uploads content under key only if no object already
// exists there, since the caller names keys by content hash and an
// existing object with the same key is byte-identical by construction.
func (s *GCSObjectStore) PutIfAbsent(ctx context.Context, key string, content io.Reader) (bool, error) {
	existed, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if existed {
		return true, nil
	}
	if err := s.bucket.UploadFile(dbctx.Context{Ctx: ctx}, gcp.BucketCategoryMaterial, key, content); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GCSObjectStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.bucket.DownloadFile(ctx, gcp.BucketCategoryMaterial, key)
}

func (s *GCSObjectStore) Delete(ctx context.Context, key string) error {
	return s.bucket.DeleteFile(dbctx.Context{Ctx: ctx}, gcp.BucketCategoryMaterial, key)
}

func (s *GCSObjectStore) PublicURL(key string) string {
	return s.bucket.GetPublicURL(gcp.BucketCategoryMaterial, key)
}
