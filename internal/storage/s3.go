// Package storage wraps the external object store: presigned upload and
// download URLs plus object verification after upload.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

// sizeTolerance is the slack allowed between the announced and the actual
// object size at upload-complete verification.
const sizeTolerance = int64(1024)

// ObjectStore is the surface the file handlers need; S3 implements it.
type ObjectStore interface {
	PresignUpload(filename, mimetype string) (url, key string, err error)
	PresignDownload(key, downloadName string) (string, error)
	Verify(ctx context.Context, key string, size int64, mimetype string) error
	ObjectURL(key string) string
	Bucket() string
}

// S3 issues presigned URLs against the configured bucket.
type S3 struct {
	svc    *s3.S3
	bucket string
	region string
	cfg    config.S3Config
}

// NewS3 builds the client from static credentials.
func NewS3(cfg config.S3Config) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: aws session: %w", err)
	}
	return &S3{svc: s3.New(sess), bucket: cfg.Bucket, region: cfg.Region, cfg: cfg}, nil
}

// Bucket returns the configured bucket name.
func (s *S3) Bucket() string { return s.bucket }

// PresignUpload returns a PUT URL and the generated object key.
func (s *S3) PresignUpload(filename, mimetype string) (string, string, error) {
	key := fmt.Sprintf("uploads/%s%s", uuid.NewString(), strings.ToLower(path.Ext(filename)))
	req, _ := s.svc.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mimetype),
	})
	url, err := req.Presign(s.cfg.PresignedExpiry)
	if err != nil {
		return "", "", fmt.Errorf("storage: presign upload: %w", err)
	}
	return url, key, nil
}

// PresignDownload returns a GET URL forcing attachment disposition.
func (s *S3) PresignDownload(key, downloadName string) (string, error) {
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", downloadName)),
	})
	url, err := req.Presign(s.cfg.PresignedExpiry)
	if err != nil {
		return "", fmt.Errorf("storage: presign download: %w", err)
	}
	return url, nil
}

// Verify confirms the uploaded object exists with the announced size
// (within tolerance) and MIME type.
func (s *S3) Verify(ctx context.Context, key string, size int64, mimetype string) error {
	head, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: object not found: %w", err)
	}
	actual := aws.Int64Value(head.ContentLength)
	if diff := actual - size; diff > sizeTolerance || diff < -sizeTolerance {
		return fmt.Errorf("storage: size mismatch: announced %d, stored %d", size, actual)
	}
	if ct := aws.StringValue(head.ContentType); ct != "" && !strings.EqualFold(ct, mimetype) {
		return fmt.Errorf("storage: content type mismatch: announced %s, stored %s", mimetype, ct)
	}
	return nil
}

// ObjectURL returns the canonical URL of a stored object.
func (s *S3) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
