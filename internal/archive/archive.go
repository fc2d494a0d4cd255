// Package archive keeps raw analyzer output in an S3 compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentTypeJSON = "application/json"

// Config locates the bucket. Archiving is disabled when Endpoint is empty.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// ObjectStore is the subset of an S3 client the archiver needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type minioStore struct {
	mc *minio.Client
}

func (s *minioStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *minioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.mc.BucketExists(ctx, bucket)
}

// Archiver writes raw output objects under raw/<user>/<uuid>.json.
type Archiver struct {
	store  ObjectStore
	newID  func() string
	bucket string
	prefix string
}

// New creates an Archiver backed by minio. No request is made until the first call.
func New(cfg Config) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive endpoint is not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return NewWithStore(&minioStore{mc: mc}, cfg.Bucket, cfg.Prefix), nil
}

// NewWithStore creates an Archiver over any ObjectStore.
func NewWithStore(store ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		newID:  uuid.NewString,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Key returns a new object key for user.
func (a *Archiver) Key(user string) string {
	return path.Join(a.prefix, "raw", sanitize(user), a.newID()+".json")
}

// Store uploads raw and returns its key.
func (a *Archiver) Store(ctx context.Context, user string, raw []byte) (string, error) {
	key := a.Key(user)
	if err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), contentTypeJSON); err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}

// Check verifies that the bucket is reachable.
func (a *Archiver) Check(ctx context.Context) error {
	ok, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", a.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// sanitize keeps user ids from introducing path segments into keys.
func sanitize(user string) string {
	user = strings.TrimSpace(user)
	if user == "" {
		return "_"
	}
	segment := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, user)
	// "." and ".." would be collapsed by path.Join and leave the per-user prefix.
	if strings.Trim(segment, ".") == "" {
		return "_"
	}
	return segment
}
