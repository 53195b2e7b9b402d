package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Store struct {
	bucket       string
	endpointHost string
	maxBytes     int64
	client       *s3.Client
}

func NewS3Store(
	ctx context.Context,
	region, endpoint, accessKey, secretKey, bucket string,
) (*S3Store, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts,
			awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	endpointHost := ""
	if endpoint != "" {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpointHost = parsed.Hostname()
		}
	}

	return &S3Store{
		bucket:       bucket,
		endpointHost: endpointHost,
		maxBytes:     maxArtifactBytes,
		client:       client,
	}, nil
}

// ObjectKey recognises virtual-hosted and path-style URLs for the bucket,
// including pre-signed ones.
func (s *S3Store) ObjectKey(rawURL string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	path := strings.TrimPrefix(parsed.Path, "/")

	if strings.HasPrefix(host, s.bucket+".s3.") || host == s.bucket+".s3.amazonaws.com" {
		return path, path != ""
	}

	pathStyle := host == s.endpointHost ||
		host == "s3.amazonaws.com" ||
		(strings.HasPrefix(host, "s3.") && strings.HasSuffix(host, ".amazonaws.com"))
	if pathStyle && strings.HasPrefix(path, s.bucket+"/") {
		key := strings.TrimPrefix(path, s.bucket+"/")
		return key, key != ""
	}
	return "", false
}

func (s *S3Store) LoadObject(ctx context.Context, objectKey string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return nil, "", err
	}

	contentType := ""
	if resp.ContentType != nil {
		contentType = *resp.ContentType
	}

	return payload, contentType, nil
}

func (s *S3Store) Close() error {
	return nil
}
