package filestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/cozy-creator/plate-gateway/internal/config"
)

const presignExpiry = 24 * time.Hour

type S3FileStorage struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     *config.S3Config
}

func NewS3FileStorage(ctx context.Context, cfg *config.S3Config) (*S3FileStorage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3 config is not set")
	}

	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		credentialsProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, awsConfig.WithCredentialsProvider(credentialsProvider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
			o.UsePathStyle = true
		}
	})

	return &S3FileStorage{
		client:  s3Client,
		presign: s3.NewPresignClient(s3Client),
		cfg:     cfg,
	}, nil
}

func (u *S3FileStorage) key(filename string) string {
	folder := strings.Trim(u.cfg.Folder, "/")
	if folder == "" {
		return filename
	}
	return folder + "/" + filename
}

func (u *S3FileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	filename := file.Filename()
	if !isPlainName(filename) {
		return "", ErrInvalidName
	}

	key := u.key(filename)
	mtype := mimetype.Detect(file.Content).String()

	input := s3.PutObjectInput{
		Key:           aws.String(key),
		ContentType:   aws.String(mtype),
		Bucket:        aws.String(u.cfg.Bucket),
		Body:          bytes.NewReader(file.Content),
		ContentLength: aws.Int64(int64(len(file.Content))),
	}
	if _, err := u.client.PutObject(ctx, &input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return u.publicURL(ctx, key)
}

// publicURL prefers the configured vanity URL, then the known public URL
// layouts, and falls back to a presigned GET.
func (u *S3FileStorage) publicURL(ctx context.Context, key string) (string, error) {
	if u.cfg.VanityUrl != "" {
		vanityUrl := strings.TrimSuffix(u.cfg.VanityUrl, "/")
		return fmt.Sprintf("%s/%s", vanityUrl, key), nil
	}

	switch {
	case strings.Contains(u.cfg.EndpointUrl, "digitaloceanspaces.com"):
		return fmt.Sprintf("https://%s.%s.cdn.digitaloceanspaces.com/%s", u.cfg.Bucket, u.cfg.Region, key), nil
	case strings.Contains(u.cfg.EndpointUrl, "amazonaws.com"):
		endpoint := strings.TrimPrefix(u.cfg.EndpointUrl, "https://")
		endpoint = strings.TrimSuffix(endpoint, "/")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, endpoint, key), nil
	}

	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}

	return req.URL, nil
}

func (u *S3FileStorage) GetFile(ctx context.Context, filename string) (*FileInfo, error) {
	if !isPlainName(filename) {
		return nil, ErrInvalidName
	}

	out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(u.key(filename)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(filename)
	return &FileInfo{
		Name:      strings.TrimSuffix(filename, ext),
		Extension: ext,
		Content:   content,
	}, nil
}
