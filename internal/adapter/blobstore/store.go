// Package blobstore is the durable object store for mirrors and composites. It
// wraps a gocloud.dev bucket so the same code runs against S3, a local
// directory, or memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Options select and configure the backing bucket.
type Options struct {
	// URL is s3://bucket, file:///abs/dir or mem://.
	URL        string
	AWSRegion  string
	S3Endpoint string
}

// Attrs are the stored attributes of one object.
type Attrs struct {
	Size     int64
	ModTime  time.Time
	MD5      []byte
	Metadata map[string]string
}

// Store reads and writes objects by storage key.
type Store struct {
	bucket *blob.Bucket
}

// Open connects to the bucket named by opts.URL.
func Open(ctx context.Context, opts Options) (*Store, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	var bucket *blob.Bucket
	switch u.Scheme {
	case "s3":
		bucket, err = openS3(ctx, u.Host, opts)
	case "file":
		dir := filepath.FromSlash(u.Path)
		if err = os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		bucket, err = fileblob.OpenBucket(dir, nil)
	case "mem":
		bucket = memblob.OpenBucket(nil)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", opts.URL, err)
	}
	return New(bucket), nil
}

func openS3(ctx context.Context, bucketName string, opts Options) (*blob.Bucket, error) {
	awsConfig := &aws.Config{Region: aws.String(opts.AWSRegion)}
	// Custom endpoints (MinIO, localstack) need path-style addressing.
	if opts.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.S3Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return s3blob.OpenBucket(ctx, sess, bucketName, nil)
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// NewMemory returns a Store backed by memory, for tests and dry runs.
func NewMemory() *Store {
	return New(memblob.OpenBucket(nil))
}

// Close releases the bucket.
func (s *Store) Close() error { return s.bucket.Close() }

// Put streams r to key. The object becomes visible only when the whole stream
// has been written; any error aborts the write and leaves the previous object,
// if any, untouched. Metadata keys are stored lowercase.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("open writer %s: %w", key, err)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		// Cancelling before Close aborts the write.
		cancel()
		_ = w.Close()
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("finalize %s: %w", key, err)
	}
	return n, nil
}

// PutBytes writes data to key atomically.
func (s *Store) PutBytes(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType, Metadata: metadata}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Attributes returns the object's attributes, or domain.ErrNotFound.
func (s *Store) Attributes(ctx context.Context, key string) (Attrs, error) {
	a, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attrs{}, wrapNotFound(key, err)
	}
	return Attrs{Size: a.Size, ModTime: a.ModTime, MD5: a.MD5, Metadata: a.Metadata}, nil
}

// Exists reports whether key holds a finalized object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

// ReadAll returns the object's bytes, or domain.ErrNotFound.
func (s *Store) ReadAll(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, wrapNotFound(key, err)
	}
	return data, nil
}

// Download copies the object to w and returns the byte count.
func (s *Store) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return 0, wrapNotFound(key, err)
	}
	defer r.Close()
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", key, err)
	}
	return n, nil
}

// List returns every key under prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// CheckReadiness probes the bucket.
func (s *Store) CheckReadiness(ctx context.Context) error {
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if !ok {
		return errors.New("store: bucket not accessible")
	}
	return nil
}

func wrapNotFound(key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}
