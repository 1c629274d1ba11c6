package s3

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the subset of the S3 API the archiver uses. *s3.Client satisfies it.
type Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3aws.HeadBucketInput, optFns ...func(*s3aws.Options)) (*s3aws.HeadBucketOutput, error)
}

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient      *http.Client
	configOptions   []func(*config.LoadOptions) error
	s3ClientOptions []func(*s3aws.Options)
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithConfigOption adds a custom AWS config option.
func WithConfigOption(option func(*config.LoadOptions) error) ClientOption {
	return func(o *clientOptions) {
		o.configOptions = append(o.configOptions, option)
	}
}

// WithS3ClientOption adds a custom S3 client option.
func WithS3ClientOption(option func(*s3aws.Options)) ClientOption {
	return func(o *clientOptions) {
		o.s3ClientOptions = append(o.s3ClientOptions, option)
	}
}

// NewClient creates an S3 client. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies (env, IAM role, ...).
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*s3aws.Client, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	awsOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		awsOptions = append(awsOptions,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretKey,
				"",
			)),
		)
	}
	if options.httpClient != nil {
		awsOptions = append(awsOptions, config.WithHTTPClient(options.httpClient))
	}
	awsOptions = append(awsOptions, options.configOptions...)

	awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle

		for _, opt := range options.s3ClientOptions {
			opt(o)
		}
	}), nil
}
