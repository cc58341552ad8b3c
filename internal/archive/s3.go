package archive

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zjs81/meshcore-open/internal/config"
)

// RetryConfig defines retry behavior for uploads.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for S3 operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// S3Uploader ships sealed segments to S3-compatible object storage
// under <prefix>/<yyyy>/<mm>/.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	retry    RetryConfig
}

// NewS3 builds an uploader from the archive config. Static credentials
// are used when configured, the default AWS chain otherwise.
func NewS3(ctx context.Context, cfg config.Archive) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		func(opts *awsconfig.LoadOptions) error {
			if cfg.S3Endpoint != "" {
				opts.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
					func(service, region string, options ...interface{}) (aws.Endpoint, error) {
						return aws.Endpoint{
							URL:               cfg.S3Endpoint,
							SigningRegion:     cfg.S3Region,
							HostnameImmutable: cfg.S3PathStyle,
						}, nil
					},
				)
			}
			if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
				opts.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.S3AccessKey, cfg.S3SecretKey, "",
				)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		retry:    DefaultRetryConfig(),
	}, nil
}

// UploadSegment uploads one sealed segment file.
func (u *S3Uploader) UploadSegment(localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return u.Upload(context.Background(), u.Key(filepath.Base(localPath), time.Now().UTC()), data)
}

// Key places name under the date-partitioned layout.
func (u *S3Uploader) Key(name string, at time.Time) string {
	datePart := at.Format("2006/01")
	if u.prefix == "" {
		return path.Join(datePart, name)
	}
	return path.Join(u.prefix, datePart, name)
}

// Upload puts data with exponential backoff on retryable errors.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < u.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(u.retry.delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return fmt.Errorf("upload %s failed after %d attempts: %w", key, u.retry.MaxAttempts, lastErr)
}

// delay implements exponential backoff with jitter.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	jitter := d * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(d + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
