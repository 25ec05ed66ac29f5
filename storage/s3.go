package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, MinIO
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// S3Archive keeps raw HTML of blocked or suspicious pages so a parser
// regression can be replayed against the exact bytes that were served.
type S3Archive struct {
	client *s3.Client
	cfg    S3Config
}

func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archive{client: client, cfg: cfg}, nil
}

// Archive uploads html under the configured prefix and returns its public URL.
func (a *S3Archive) Archive(ctx context.Context, key string, html []byte) (string, error) {
	key = a.objectKey(key)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return a.PublicURL(key), nil
}

func (a *S3Archive) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if a.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.cfg.Prefix, "/") + "/" + key
}

// PublicURL returns the public URL for an S3 key
func (a *S3Archive) PublicURL(key string) string {
	cfg := a.cfg
	if cfg.Endpoint != "" {
		if strings.Contains(cfg.Endpoint, "digitaloceanspaces.com") {
			// DO Spaces: https://{bucket}.{region}.digitaloceanspaces.com/{key}
			host := strings.TrimPrefix(cfg.Endpoint, "https://")
			return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, host, key)
		}
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(cfg.Endpoint, "/"), cfg.Bucket, key)
	}
	// AWS S3: https://{bucket}.s3.{region}.amazonaws.com/{key}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}
