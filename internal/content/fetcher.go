// Package content fetches a tenant's content for a period and delivers it once.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	ErrFetchFailed = errors.New("content fetch failed")
	ErrFetchEmpty  = errors.New("content not available yet")
)

// MaxContentBytes caps one fetched document.
const MaxContentBytes = 1 << 20

// Fetcher returns the content of tenant for period. found is false, with a nil error,
// when the upstream has nothing for that period yet.
type Fetcher interface {
	Fetch(ctx context.Context, tenant, period string) (content string, found bool, err error)
}

type FetcherFunc func(ctx context.Context, tenant, period string) (string, bool, error)

func (f FetcherFunc) Fetch(ctx context.Context, tenant, period string) (string, bool, error) {
	return f(ctx, tenant, period)
}

// S3API is the subset of *s3.Client used by S3Fetcher.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// KeyTemplate builds the object key; {tenant} and {period} are substituted.
	// Empty means "{tenant}/{period}.txt". Prefix is prepended.
	KeyTemplate string
	Prefix      string
}

func (c S3Config) key(tenant, period string) string {
	tpl := c.KeyTemplate
	if tpl == "" {
		tpl = "{tenant}/{period}.txt"
	}
	r := strings.NewReplacer("{tenant}", tenant, "{period}", period)
	return c.Prefix + r.Replace(tpl)
}

// S3Fetcher reads one object per (tenant, period).
type S3Fetcher struct {
	client S3API
	cfg    S3Config
}

func NewS3Fetcher(client S3API, cfg S3Config) *S3Fetcher {
	return &S3Fetcher{client: client, cfg: cfg}
}

// NewS3Client builds a client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, tenant, period string) (string, bool, error) {
	key := f.cfg.key(tenant, period)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get s3://%s/%s: %w", f.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, MaxContentBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read s3://%s/%s: %w", f.cfg.Bucket, key, err)
	}
	if len(b) > MaxContentBytes {
		return "", false, fmt.Errorf("s3://%s/%s: larger than %d bytes", f.cfg.Bucket, key, MaxContentBytes)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}
