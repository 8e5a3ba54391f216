package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}

// Make a missing object look like a missing file
func mapGCSError(name string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%v: %w", name, fs.ErrNotExist)
	}
	return err
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.log.Infof("Writing gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).NewWriter(ctx), nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(name, err)
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, name)
	return mapGCSError(name, s.bucket.Object(name).Delete(ctx))
}

func (s *StorageGCS) List(ctx context.Context, prefix string) ([]string, error) {
	names := []string{}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}
