package mapstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures an S3-compatible object store.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Object    string
	UseSSL    bool
}

// S3Store keeps the document as a single object in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
	object string
}

// NewS3Store creates the client and makes sure the bucket exists.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	s := &S3Store{
		client: client,
		bucket: opts.Bucket,
		region: opts.Region,
		object: opts.Object,
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

func (s *S3Store) Load(ctx context.Context) (Maps, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return Maps{}, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.bucket, s.object, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key only surfaces on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return Maps{}, nil
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", s.bucket, s.object, err)
	}

	maps, err := decodeMaps(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s/%s: %w", s.bucket, s.object, err)
	}
	return maps, nil
}

func (s *S3Store) Save(ctx context.Context, maps Maps) error {
	data, err := json.Marshal(maps)
	if err != nil {
		return fmt.Errorf("failed to encode maps: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", s.bucket, s.object, err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
