// Package snapshot implements the Snapshot Store (C2) and Snapshot Codec
// (C3): a thin get/put abstraction over an S3-compatible object store plus
// the encoding of the snapshot record itself.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
)

// Store is the C2 contract: Put/Get an opaque blob by key. Get
// distinguishes "not found" (ok=false, err=nil) from a real error; a
// permission failure (a misconfigured store) is reported as absent
// (ok=false, err=nil) and logged, not propagated, so it cannot crash the
// actor. Every other failure, including an unreachable store, is returned
// as an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Delete removes key, used when a decoded record turns out malformed.
	// Deleting an already-absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// S3Store is the production Store, backed by an S3-compatible bucket
// (AWS S3 or any MinIO-style endpoint via a custom BaseEndpoint).
type S3Store struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// S3Options configures the client.
type S3Options struct {
	Endpoint  string // empty for real AWS; set for MinIO/compatible stores
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// NewS3Store builds an S3-compatible store from static credentials and an
// optional custom endpoint (path-style addressing, matching MinIO's
// expectations).
func NewS3Store(opts S3Options, log *zap.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("snapshot: bucket must not be empty")
	}
	resolverOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = opts.Region
			o.Credentials = staticCredentials(opts.AccessKey, opts.SecretKey)
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
				o.UsePathStyle = true
			}
		},
	}
	client := s3.New(s3.Options{}, resolverOpts...)
	return &S3Store{client: client, bucket: opts.Bucket, log: log}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytesReader(data),
	})
	if err != nil {
		return fmt.Errorf("snapshot: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		if isPermissionDenied(err) {
			s.log.Warn("snapshot store permission error, treating as absent", zap.String("key", key), zap.Error(err))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("snapshot: get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := readAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: read body %s: %w", key, err)
	}
	return data, true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *smithyhttp.ResponseError
	if errors.As(err, &nf) {
		return nf.HTTPStatusCode() == 404
	}
	return false
}

func isPermissionDenied(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == 403
	}
	return false
}
