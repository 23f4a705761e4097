package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"alembic/internal/config"
	"alembic/internal/services"
)

// S3 stores objects in a bucket using the managed uploader and downloader.
type S3 struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3 creates an S3 backend from storage configuration. Custom endpoints
// and path-style addressing support S3-compatible object stores.
func NewS3(cfg config.Storage) *S3 {
	awsCfg := &aws.Config{Region: aws.String(cfg.S3Region)}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}
	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess := session.Must(session.NewSession(awsCfg))
	return &S3{
		bucket:     cfg.S3Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}
}

// Fetch downloads the object at ref into dest.
func (s *S3) Fetch(ctx context.Context, ref, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "fetch", "create destination directory", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "fetch", fmt.Sprintf("create %s", dest), err)
	}
	defer file.Close()
	_, err = s.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return services.Wrap(services.ErrNotFound, "storage", "fetch", fmt.Sprintf("object %q", ref), err)
		}
		return services.Wrap(services.ErrTransient, "storage", "fetch", fmt.Sprintf("download %q", ref), err)
	}
	return nil
}

// Store uploads the local file at src under ref.
func (s *S3) Store(ctx context.Context, src, ref string) error {
	file, err := os.Open(src)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "store", fmt.Sprintf("open %s", src), err)
	}
	defer file.Close()
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
		Body:   file,
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "store", fmt.Sprintf("upload %q", ref), err)
	}
	return nil
}

// Delete removes the object at ref.
func (s *S3) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "delete", fmt.Sprintf("object %q", ref), err)
	}
	return nil
}
