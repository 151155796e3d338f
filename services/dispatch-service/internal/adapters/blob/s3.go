package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options параметры хранилища фото
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// PresignTimeout ограничивает подпись одной ссылки
	PresignTimeout time.Duration
}

// S3PhotoStore выдает временные ссылки на фото арендаторов.
// Совместим с любым S3-хранилищем (AWS S3, MinIO).
type S3PhotoStore struct {
	client         *s3.Client
	presign        *s3.PresignClient
	bucket         string
	presignTimeout time.Duration
	logger         interfaces.LoggerPort
}

// NewS3PhotoStore создает S3PhotoStore. Без ключей доступа используется
// стандартная цепочка учетных данных AWS.
func NewS3PhotoStore(ctx context.Context, opts S3Options, logger interfaces.LoggerPort) (*S3PhotoStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.PresignTimeout <= 0 {
		opts.PresignTimeout = 5 * time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpoint := opts.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3PhotoStore{
		client:         client,
		presign:        s3.NewPresignClient(client),
		bucket:         opts.Bucket,
		presignTimeout: opts.PresignTimeout,
		logger:         logger,
	}, nil
}

// PresignGet подписывает ссылку на чтение объекта key на время ttl
func (s *S3PhotoStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", errors.New("photo key is required")
	}
	if ttl <= 0 {
		return "", errors.New("presign ttl must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, s.presignTimeout)
	defer cancel()

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign photo url: %w", err)
	}

	return req.URL, nil
}

// Ping проверяет доступность bucket
func (s *S3PhotoStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("bucket %s not found: %w", s.bucket, err)
		}
		return fmt.Errorf("failed to reach photo storage: %w", err)
	}
	return nil
}
