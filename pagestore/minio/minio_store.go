// Package minio provides a PageStore backed by MinIO or any S3-compatible
// object storage. Each page is one object; the hierarchical page ID becomes
// the object key under a configurable root prefix.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/lstoredb/lstore/pagestore"
)

// Store implements pagestore.PageStore for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO page store.
// bucket is the bucket name; rootPrefix is prepended to all keys
// (e.g. "lstore/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(id pagestore.PageID) string {
	return path.Join(s.prefix, string(id))
}

// ReadPage returns the stored bytes for the page.
func (s *Store) ReadPage(ctx context.Context, id pagestore.PageID) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, pagestore.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// WritePage stores the page bytes. PutObject is atomic per key, matching the
// PageStore write contract.
func (s *Store) WritePage(ctx context.Context, id pagestore.PageID, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(id),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// DeletePage removes the page object.
func (s *Store) DeletePage(ctx context.Context, id pagestore.PageID) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(id), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil // Already gone
		}
		return err
	}
	return nil
}
