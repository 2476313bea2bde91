// Package s3 implements a content-addressed, reference-counted asset store
// on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

// Config options for the S3 store
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (MinIO)
	KeyPrefix       string // Optional key prefix inside the bucket

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool

	Logger *slog.Logger // Optional; defaults to slog.Default()
}

// Store is an S3-compatible implementation of the imagestore.AssetStore
// interface. Uploads are staged under tmp/<uuid> while the content hash is
// computed, then server-side copied into the content-addressed key iff it is
// absent; the stage object is deleted either way. S3 object creation is
// atomic, so readers never observe partial content under the final key.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger

	// mu guards refs and locks, per-identity like the fs store.
	mu    sync.Mutex
	refs  map[identity.Identity]int64
	locks map[identity.Identity]*sync.Mutex
}

// New creates a new S3-compatible asset store
func New(config Config) (*Store, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(config.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				config.AccessKeyID,
				config.SecretAccessKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(config.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := &Store{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: config.Bucket,
		prefix: config.KeyPrefix,
		logger: logger,
		refs:   make(map[identity.Identity]int64),
		locks:  make(map[identity.Identity]*sync.Mutex),
	}

	if config.CreateBucketIfNotExist {
		if err := store.createBucketIfNotExists(context.Background(), config.Region); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return store, nil
}

func (s *Store) createBucketIfNotExists(ctx context.Context, region string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}
	if region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	if _, err := s.client.CreateBucket(ctx, createInput); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var taken *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &taken) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// isNotFound recognizes the various missing-object/bucket errors returned by
// AWS and S3-compatible services.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchBucket"
	}
	return false
}

func (s *Store) lockIdentity(id identity.Identity) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) assetKey(id identity.Identity) string {
	return path.Join(s.prefix, "assets", id.StoragePath())
}

func (s *Store) stageKey() string {
	return path.Join(s.prefix, "tmp", uuid.NewString())
}

// Put hashes the stream while uploading it to a staging key, then copies it
// to the content-addressed key unless that key already exists.
func (s *Store) Put(ctx context.Context, r io.Reader, declaredSize int64) (*imagestore.PutResult, error) {
	stage := s.stageKey()
	digest := identity.NewDigest()

	uploader := manager.NewUploader(s.client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stage),
		Body:   io.TeeReader(r, digest),
	}); err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}

	id := digest.Identity()
	size := digest.Size()
	if declaredSize >= 0 && declaredSize != size {
		s.logger.Warn("declared size does not match stored bytes",
			"identity", id.String(), "declared", declaredSize, "actual", size)
	}

	unlock := s.lockIdentity(id)
	defer unlock()

	final := s.assetKey(id)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(final),
	})
	switch {
	case err == nil:
		s.deleteKey(ctx, stage)
		s.addRef(id, 1)
		return &imagestore.PutResult{Identity: id, Size: size, Deduplicated: true}, nil
	case !isNotFound(err):
		s.deleteKey(ctx, stage)
		return nil, fmt.Errorf("failed to check asset key: %w", err)
	}

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(final),
		CopySource: aws.String(s.bucket + "/" + stage),
	}); err != nil {
		s.deleteKey(ctx, stage)
		return nil, fmt.Errorf("failed to copy asset into place: %w", err)
	}
	s.deleteKey(ctx, stage)

	s.setRef(id, 1)
	return &imagestore.PutResult{Identity: id, Size: size, Deduplicated: false}, nil
}

func (s *Store) deleteKey(ctx context.Context, key string) {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		s.logger.Warn("failed to delete object", "key", key, "error", err)
	}
}

// Open returns the stored bytes for an identity
func (s *Store) Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.assetKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return result.Body, nil
}

// Stat reports size and reference count for an identity
func (s *Store) Stat(ctx context.Context, id identity.Identity) (*imagestore.StoredAsset, error) {
	unlock := s.lockIdentity(id)
	defer unlock()

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.assetKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", imagestore.ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("failed to head asset: %w", err)
	}

	var size int64
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return &imagestore.StoredAsset{
		Identity: id,
		Size:     size,
		RefCount: s.getRef(id),
	}, nil
}

// Release decrements the reference count and deletes the object at zero.
// S3 deletes of missing keys succeed, which matches the fail-silent
// semantics for externally removed assets.
func (s *Store) Release(ctx context.Context, id identity.Identity) error {
	unlock := s.lockIdentity(id)
	defer unlock()

	if n := s.getRef(id); n > 1 {
		s.setRef(id, n-1)
		return nil
	}

	s.dropRef(id)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.assetKey(id)),
	}); err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}

// Reconcile resets reference counts from the authoritative catalog counts.
// Unlike the filesystem store it does not list the bucket; only identities
// known to the catalog or to this process are visited.
func (s *Store) Reconcile(ctx context.Context, refs map[identity.Identity]int64) error {
	s.mu.Lock()
	known := maps.Keys(s.refs)
	s.mu.Unlock()

	seen := make(map[identity.Identity]bool, len(refs)+len(known))
	for id := range refs {
		seen[id] = true
	}
	for _, id := range known {
		seen[id] = true
	}

	for id := range seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := refs[id]

		unlock := s.lockIdentity(id)
		if want <= 0 {
			s.dropRef(id)
			s.deleteKey(ctx, s.assetKey(id))
		} else {
			if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.assetKey(id)),
			}); err != nil && isNotFound(err) {
				s.dropRef(id)
				s.logger.Error("catalog references missing asset",
					"identity", id.String(), "references", want)
			} else {
				s.setRef(id, want)
			}
		}
		unlock()
	}
	return nil
}

// Reference count helpers, guarded by mu.

func (s *Store) getRef(id identity.Identity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[id]
}

func (s *Store) setRef(id identity.Identity, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] = n
}

func (s *Store) addRef(id identity.Identity, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] += delta
}

func (s *Store) dropRef(id identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, id)
}
