package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sua-org/multicam/internal/core"
)

// PresignedUploader PUTs the file to a presigned object store URL.
type PresignedUploader struct {
	client *http.Client
}

// NewPresignedUploader uses client, or a client without a global timeout when
// nil. The stall watchdog bounds each attempt instead.
func NewPresignedUploader(client *http.Client) *PresignedUploader {
	if client == nil {
		client = &http.Client{}
	}
	return &PresignedUploader{client: client}
}

func (u *PresignedUploader) Upload(ctx context.Context, dest core.Destination, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest.URL, io.NopCloser(body))
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", redact(dest.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusFailure(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return nil
}

// redact drops the query string, which carries the signature.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
