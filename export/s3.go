package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/stevecastle/depthkit/appconfig"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/quantize"
)

// ObjectPutter is the part of the S3 client the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads PNGs as <prefix>/<name>.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Sink builds a client from the default AWS credential chain, or from
// static credentials when both key fields are set.
func NewS3Sink(ctx context.Context, cfg appconfig.S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, evalerr.Configf("s3 sink needs a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, evalerr.Configf("load aws config: %v", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client ObjectPutter, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for name.
func (s *S3Sink) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Sink) Put(ctx context.Context, name string, img *image.Gray16) error {
	var buf bytes.Buffer
	if err := quantize.Encode(&buf, img); err != nil {
		return err
	}
	key := s.Key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return classifyS3Error(fmt.Sprintf("s3://%s/%s", s.bucket, key), err)
	}
	return nil
}

func classifyS3Error(target string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %s: %s", evalerr.ErrNotFound, target, apiErr.ErrorMessage())
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %s", evalerr.ErrConfiguration, target, apiErr.ErrorMessage())
		}
	}
	return evalerr.IO("put "+target, err)
}
