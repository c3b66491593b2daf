package mirroring

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warptools/metabase/mbapi"
)

// S3Config names a bucket on S3 or on a service speaking its protocol.
// Credentials come from the usual AWS environment and files.
type S3Config struct {
	// Endpoint overrides the AWS endpoint, for S3-compatible services. Optional.
	Endpoint string
	Region   string
	Bucket   string

	// Prefix is prepended to every object key. Optional.
	Prefix string
}

type s3Pusher struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
}

// newS3Pusher connects to the bucket and checks it can be reached.
//
// Errors:
//
// 	- metabase-error-io -- if the configuration cannot be loaded or the bucket cannot be reached
func newS3Pusher(ctx context.Context, cfg S3Config) (*s3Pusher, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			})))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, mbapi.ErrorIo("loading aws configuration", "", err)
	}
	client := s3.NewFromConfig(awsCfg)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, mbapi.ErrorIo("accessing bucket", cfg.Bucket, err)
	}
	return &s3Pusher{
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg,
	}, nil
}

func (p *s3Pusher) key(key string) string {
	if p.cfg.Prefix == "" {
		return key
	}
	return path.Join(p.cfg.Prefix, key)
}

// TODO: list each payload directory once instead of a HEAD request per resource.
func (p *s3Pusher) has(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) && responseError.ResponseError.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, mbapi.ErrorIo("checking object", p.key(key), err)
}

func (p *s3Pusher) push(ctx context.Context, key string, body []byte) error {
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.key(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return mbapi.ErrorIo("uploading object", p.key(key), err)
	}
	return nil
}
