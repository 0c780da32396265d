package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sua-org/multicam/internal/core"
)

// S3Uploader puts objects with the temporary credentials carried by the
// command. A client is built per upload since credentials differ per request.
type S3Uploader struct {
	// endpoint overrides the AWS regional endpoint, e.g. a MinIO host:port.
	endpoint string
	useSSL   bool
}

func NewS3Uploader(endpoint string, useSSL bool) *S3Uploader {
	return &S3Uploader{endpoint: strings.TrimSpace(endpoint), useSSL: useSSL}
}

func (u *S3Uploader) client(dest core.Destination) (*minio.Client, error) {
	endpoint, secure, region := u.endpoint, u.useSSL, dest.Region
	if endpoint == "" {
		endpoint, secure = awsEndpoint(region), true
		if region == "" {
			region = "us-east-1"
		}
	}
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(dest.AccessKeyID, dest.SecretAccessKey, dest.SessionToken),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", endpoint, err)
	}
	return cli, nil
}

func awsEndpoint(region string) string {
	if region == "" || region == "us-east-1" {
		return "s3.amazonaws.com"
	}
	return "s3." + region + ".amazonaws.com"
}

func (u *S3Uploader) Upload(ctx context.Context, dest core.Destination, body io.Reader, size int64) error {
	cli, err := u.client(dest)
	if err != nil {
		return permanent(err)
	}
	key := strings.TrimPrefix(dest.Key, "/")
	info, err := cli.PutObject(ctx, dest.Bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
			return statusFailure(resp.StatusCode, resp.Code+": "+resp.Message)
		}
		return fmt.Errorf("put s3://%s/%s: %w", dest.Bucket, key, err)
	}
	log.Debug().Str("bucket", info.Bucket).Str("key", info.Key).Str("etag", info.ETag).Msg("object stored")
	return nil
}
