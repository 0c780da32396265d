package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sua-org/multicam/internal/core"
)

const contentType = "video/mp4"

// Uploader sends size bytes from body to dest.
type Uploader interface {
	Upload(ctx context.Context, dest core.Destination, body io.Reader, size int64) error
}

// Router picks the uploader matching the destination kind.
type Router struct {
	Presigned Uploader
	S3        Uploader
}

func (r Router) Upload(ctx context.Context, dest core.Destination, body io.Reader, size int64) error {
	if dest.Presigned() {
		if r.Presigned == nil {
			return permanent(errors.New("presigned uploads not configured"))
		}
		return r.Presigned.Upload(ctx, dest, body, size)
	}
	if r.S3 == nil {
		return permanent(errors.New("s3 uploads not configured"))
	}
	return r.S3.Upload(ctx, dest, body, size)
}

// PermanentError marks a failure that another attempt cannot fix, such as an
// expired presigned URL or rejected credentials.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err should skip the remaining attempts.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// statusFailure classifies an HTTP status from the object store. Client
// errors are permanent except timeouts and throttling.
func statusFailure(code int, detail string) error {
	err := fmt.Errorf("upload rejected: HTTP %d %s", code, detail)
	if code >= 400 && code < 500 && code != 408 && code != 429 {
		return permanent(err)
	}
	return err
}
