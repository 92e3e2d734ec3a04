package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Fetcher retrieves a fresh corpus for a city from the crawler's output
type Fetcher interface {
	Fetch(ctx context.Context, city string) ([]Event, error)
}

// FileFetcher reads <dir>/<city_key>.json files written by the crawler
type FileFetcher struct {
	Dir string
}

// Fetch implements Fetcher
func (f FileFetcher) Fetch(ctx context.Context, city string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, CityKey(city)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCity, city)
	}
	if err != nil {
		return nil, fmt.Errorf("read corpus for %s: %w", city, err)
	}
	return decodeEvents(data, city)
}

// S3Config configures S3Fetcher
type S3Config struct {
	Bucket    string
	Prefix    string // key prefix, e.g. "corpus/"
	Region    string
	Endpoint  string // optional, for MinIO or localstack
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Fetcher reads crawler snapshots stored as <prefix><city_key>.json objects
type S3Fetcher struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Fetcher builds an S3 client from cfg
func NewS3Fetcher(cfg S3Config) *S3Fetcher {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
	return &S3Fetcher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Fetch implements Fetcher
func (f *S3Fetcher) Fetch(ctx context.Context, city string) ([]Event, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.prefix + CityKey(city) + ".json"),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCity, city)
		}
		return nil, fmt.Errorf("get corpus object for %s: %w", city, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read corpus object for %s: %w", city, err)
	}
	return decodeEvents(data, city)
}

// decodeEvents accepts either a bare array of events or {"events": [...]}
func decodeEvents(data []byte, city string) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err == nil {
		return events, nil
	}
	var wrapped struct {
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode corpus for %s: %w", city, err)
	}
	return wrapped.Events, nil
}
