package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
)

// Compile-time interface check.
var _ ObjectStore = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	client *s3.Client
}

// NewS3Store creates an ObjectStore backed by S3-compatible storage.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3Config) ObjectStore {
	return &s3Store{
		log:    log.WithField("component", "object-store"),
		client: newS3Client(cfg),
	}
}

func (s *s3Store) Get(
	ctx context.Context, bucket, key string,
) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, ErrObjectNotFound)
		}

		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}

	return data, nil
}

func (s *s3Store) Put(
	ctx context.Context, bucket, key string, data []byte, contentType string,
) error {
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("putting object %s/%s: %w", bucket, key, err)
	}

	s.log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   len(data),
	}).Debug("Uploaded object")

	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			// The GCS XML interop rejects the default trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		},
	}

	return s3.New(s3.Options{}, opts...)
}
