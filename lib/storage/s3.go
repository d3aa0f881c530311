// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/sirupsen/logrus"
)

var (
	s3PartSize    int64 = 32 * 1024 * 1024
	s3Concurrency       = 5

	// Returned by an aws.EndpointResolverWithOptions to indicate
	// that the default resolver should be used.
	errEndpointNotOverridden = &aws.EndpointNotFoundError{Err: errors.New("endpoint not overridden")}
)

// S3Provider stores files as objects named <Prefix><name> in one
// bucket.
type S3Provider struct {
	Bucket string
	Prefix string

	svc    *s3.Client
	logger logrus.FieldLogger
}

func NewS3Provider(ctx context.Context, dp bourreau.DataProvider, logger logrus.FieldLogger) (*S3Provider, error) {
	if dp.Bucket == "" {
		return nil, errors.New("s3 data provider: Bucket must be specified")
	}
	if dp.Endpoint == "" && dp.Region == "" {
		return nil, errors.New("s3 data provider: Region or Endpoint must be specified")
	}
	var overrideEndpoint *aws.Endpoint
	if dp.Endpoint != "" {
		if _, err := url.Parse(dp.Endpoint); err != nil {
			return nil, fmt.Errorf("error parsing custom S3 endpoint %q: %w", dp.Endpoint, err)
		}
		overrideEndpoint = &aws.Endpoint{
			URL:               dp.Endpoint,
			HostnameImmutable: true,
			Source:            aws.EndpointSourceCustom,
		}
	}
	region := dp.Region
	if region == "" {
		// Required by the sdk even with a custom endpoint.
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			o.ExpiryWindow = 5 * time.Minute
		}),
		func(o *config.LoadOptions) error {
			if dp.AccessKeyID == "" && dp.SecretAccessKey == "" {
				// Use default sdk behavior (IAM / IMDS)
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     dp.AccessKeyID,
					SecretAccessKey: dp.SecretAccessKey,
					Source:          "Bourreau configuration",
				},
			}
			return nil
		},
		func(o *config.LoadOptions) error {
			if overrideEndpoint != nil {
				o.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					if service == "S3" {
						return *overrideEndpoint, nil
					}
					return aws.Endpoint{}, errEndpointNotOverridden
				})
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	return &S3Provider{
		Bucket: dp.Bucket,
		Prefix: dp.Prefix,
		svc: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.UsePathStyle = dp.UsePathStyle
		}),
		logger: logger.WithField("Bucket", dp.Bucket),
	}, nil
}

func (p *S3Provider) key(file *Userfile) string {
	return p.Prefix + file.Name
}

func (p *S3Provider) translateError(err error) error {
	if cerr := (interface{ CanceledError() bool })(nil); errors.As(err, &cerr) && cerr.CanceledError() {
		return context.Canceled
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return os.ErrNotExist
		}
	}
	return err
}

func (p *S3Provider) ProviderToCache(ctx context.Context, file *Userfile, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	downloader := manager.NewDownloader(p.svc, func(u *manager.Downloader) {
		u.PartSize = s3PartSize
		u.Concurrency = s3Concurrency
	})
	_, err = downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.key(file)),
	})
	if err != nil {
		tmp.Close()
		return p.translateError(err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (p *S3Provider) CacheToProvider(ctx context.Context, file *Userfile, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	uploader := manager.NewUploader(p.svc, func(u *manager.Uploader) {
		u.PartSize = s3PartSize
		u.Concurrency = s3Concurrency
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.key(file)),
		Body:   f,
	},
		// Avoid precomputing SHA256 before sending.
		manager.WithUploaderRequestOptions(s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)),
	)
	return p.translateError(err)
}

func (p *S3Provider) Erase(ctx context.Context, file *Userfile) error {
	_, err := p.svc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.key(file)),
	})
	err = p.translateError(err)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
