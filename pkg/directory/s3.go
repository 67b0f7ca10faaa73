package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/trialctl/pkg/config"
)

// Compile-time interface check.
var _ Directory = (*s3Directory)(nil)

type s3Directory struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Directory creates a Directory backed by S3-compatible storage.
// Descriptors live at {prefix}/{code}.toml or {prefix}/{code}.yaml.
func NewS3Directory(cfg *config.DirectoryS3Config) Directory {
	return &s3Directory{
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (d *s3Directory) Resolve(
	ctx context.Context, clientCode string,
) (*ClientAsset, error) {
	return resolve(ctx, clientCode, d.getObject)
}

// Ping checks that the bucket exists and the credentials can reach it.
func (d *s3Directory) Ping(ctx context.Context) error {
	if _, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	}); err != nil {
		return fmt.Errorf("bucket %q is not reachable: %w", d.bucket, err)
	}

	return nil
}

func (d *s3Directory) key(name string) string {
	if d.prefix == "" {
		return name
	}

	return d.prefix + "/" + name
}

// getObject returns (nil, nil) when the key does not exist.
func (d *s3Directory) getObject(ctx context.Context, name string) ([]byte, error) {
	key := d.key(name)

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
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

func newS3Client(cfg *config.DirectoryS3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = "us-east-1"
		if cfg.Region != "" {
			o.Region = cfg.Region
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}
