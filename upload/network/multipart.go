package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// fileFieldName is the multipart field carrying the raw file bytes. It must
// be the last part of the body; presigned POST policies reject anything
// after it.
const fileFieldName = "file"

// MultipartBody is a fully encoded upload request body, reusable as a
// retry-queue snapshot because it holds no reference to the source file.
type MultipartBody struct {
	ContentType string
	Data        []byte
}

// BuildMultipartBody encodes the destination's policy fields in their issued
// order followed by the file content as the final part.
func BuildMultipartBody(dest SignedDestination, fileName string, content io.Reader) (MultipartBody, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, field := range dest.Fields {
		if err := writer.WriteField(field.Key, field.Value); err != nil {
			return MultipartBody{}, fmt.Errorf("write field %q: %w", field.Key, err)
		}
	}

	part, err := writer.CreateFormFile(fileFieldName, fileName)
	if err != nil {
		return MultipartBody{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return MultipartBody{}, fmt.Errorf("copy file content: %w", err)
	}

	if err := writer.Close(); err != nil {
		return MultipartBody{}, fmt.Errorf("close multipart writer: %w", err)
	}

	return MultipartBody{
		ContentType: writer.FormDataContentType(),
		Data:        buf.Bytes(),
	}, nil
}

// FileUploader sends one encoded body to one destination. A nil error means
// the object store accepted the upload; any failure is a *TransportError.
type FileUploader interface {
	Upload(ctx context.Context, url string, body MultipartBody) error
}

// HTTPFileUploader posts multipart bodies with a tuned plain HTTP client.
// Retry policy belongs to the engine, not the client, so this does not use
// retryablehttp.
type HTTPFileUploader struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewHTTPFileUploader ...
func NewHTTPFileUploader(httpClient *http.Client, logger log.Logger) *HTTPFileUploader {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &HTTPFileUploader{httpClient: httpClient, logger: logger}
}

// DefaultHTTPClient creates an HTTP client optimized for many parallel
// uploads. The overall timeout cuts hung connections so they classify as
// connectivity loss instead of stalling a chunk forever.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     30,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Upload POSTs the body to the signed destination URL.
func (u *HTTPFileUploader) Upload(ctx context.Context, url string, body MultipartBody) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Data))
	if err != nil {
		return &TransportError{Kind: KindConnectivity, Err: err}
	}
	req.Header.Set("Content-Type", body.ContentType)
	req.ContentLength = int64(len(body.Data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return &TransportError{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", errorBody[:n]),
		}
	}

	return nil
}

// CloseIdleConnections releases pooled connections after a run.
func (u *HTTPFileUploader) CloseIdleConnections() {
	if transport, ok := u.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
