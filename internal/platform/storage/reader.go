package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const defaultMaxObjectBytes = 1 << 20

var (
	// ErrObjectNotFound is returned when the bucket has no object at the requested path.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrObjectTooLarge is returned when an object exceeds the reader's size limit.
	ErrObjectTooLarge = errors.New("storage: object exceeds size limit")
)

// Object is a fully read Cloud Storage object with the metadata callers cache on.
type Object struct {
	Bucket      string
	Name        string
	Data        []byte
	ContentType string
	Generation  int64
	Updated     time.Time
}

// ObjectSource abstracts object reads so callers can be tested without a bucket.
type ObjectSource interface {
	ReadObject(ctx context.Context, object string) (Object, error)
}

// Reader reads small configuration objects from a single bucket.
type Reader struct {
	client   *gcs.Client
	bucket   string
	maxBytes int64
}

// ReaderOption customises reader behaviour.
type ReaderOption func(*Reader)

// WithMaxBytes caps the object size accepted by the reader.
func WithMaxBytes(limit int64) ReaderOption {
	return func(r *Reader) {
		if limit > 0 {
			r.maxBytes = limit
		}
	}
}

// NewReader constructs a Reader bound to bucket.
func NewReader(client *gcs.Client, bucket string, opts ...ReaderOption) (*Reader, error) {
	if client == nil {
		return nil, errors.New("storage reader: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage reader: bucket is required")
	}
	reader := &Reader{client: client, bucket: bucket, maxBytes: defaultMaxObjectBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(reader)
		}
	}
	return reader, nil
}

// ReadObject downloads the object in full.
func (r *Reader) ReadObject(ctx context.Context, object string) (Object, error) {
	if r == nil || r.client == nil {
		return Object{}, errors.New("storage reader: not initialised")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return Object{}, errors.New("storage reader: object name is required")
	}

	rc, err := r.client.Bucket(r.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
			return Object{}, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, r.bucket, object)
		}
		return Object{}, fmt.Errorf("storage reader: open gs://%s/%s: %w", r.bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("storage reader: read gs://%s/%s: %w", r.bucket, object, err)
	}
	if int64(len(data)) > r.maxBytes {
		return Object{}, fmt.Errorf("%w: gs://%s/%s", ErrObjectTooLarge, r.bucket, object)
	}

	return Object{
		Bucket:      r.bucket,
		Name:        object,
		Data:        data,
		ContentType: rc.Attrs.ContentType,
		Generation:  rc.Attrs.Generation,
		Updated:     rc.Attrs.LastModified,
	}, nil
}
