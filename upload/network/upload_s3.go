package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams describes a direct-to-bucket upload for users who bring
// their own bucket instead of going through signed destinations.
type S3UploadParams struct {
	LocalPath       string
	StorageKey      string
	ContentType     string
	SizeBytes       int64
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type S3UploadService struct {
	client *s3.Client
	bucket string
}

// NewS3UploadService builds a direct uploader for one bucket. The returned
// service is safe for concurrent use across upload tasks.
func NewS3UploadService(ctx context.Context, region, bucket, accessKeyID, secretAccessKey string, logger log.Logger) (*S3UploadService, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, region, accessKeyID, secretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3UploadService{
		client: s3.NewFromConfig(*cfg),
		bucket: bucket,
	}, nil
}

// UploadToS3 puts one file into the user's bucket under the given key.
func (service *S3UploadService) UploadToS3(ctx context.Context, params S3UploadParams) error {
	if params.LocalPath == "" {
		return fmt.Errorf("LocalPath must not be empty")
	}
	if params.StorageKey == "" {
		return fmt.Errorf("StorageKey must not be empty")
	}

	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.LocalPath)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		contentType := params.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(service.bucket),
			Key:               aws.String(params.StorageKey),
			ContentType:       aws.String(contentType),
			ContentLength:     aws.Int64(params.SizeBytes),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("upload file: %w", err), true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.ErrorCode() {
				case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
					// Bad configuration, retrying cannot help.
					return fmt.Errorf("aws api error: %w", err), true
				}
			}
			return fmt.Errorf("upload file: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
