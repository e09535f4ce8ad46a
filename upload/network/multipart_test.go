package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMultipartBody_FieldOrder(t *testing.T) {
	dest := SignedDestination{
		URL: "https://bucket.example.com",
		Fields: FormFields{
			{Key: "key", Value: "uploads/u/photo.jpg"},
			{Key: "Content-Type", Value: "image/jpeg"},
			{Key: "policy", Value: "cG9saWN5"},
			{Key: "x-amz-signature", Value: "sig"},
		},
	}

	body, err := BuildMultipartBody(dest, "photo.jpg", strings.NewReader("file-bytes"))
	require.NoError(t, err)
	assert.Contains(t, body.ContentType, "multipart/form-data")

	raw := string(body.Data)
	order := []string{"key", "Content-Type", "policy", "x-amz-signature", "file"}
	lastIndex := -1
	for _, name := range order {
		idx := strings.Index(raw, `name="`+name+`"`)
		require.GreaterOrEqual(t, idx, 0, "field %q missing from body", name)
		assert.Greater(t, idx, lastIndex, "field %q out of order", name)
		lastIndex = idx
	}

	// The file part is the last one.
	assert.Greater(t, strings.Index(raw, "file-bytes"), strings.Index(raw, `name="file"`))
}

func TestHTTPFileUploader_Success(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	uploader := NewHTTPFileUploader(nil, log.NewLogger())
	defer uploader.CloseIdleConnections()

	body := MultipartBody{ContentType: "multipart/form-data; boundary=x", Data: []byte("payload")}
	err := uploader.Upload(context.Background(), server.URL, body)

	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data; boundary=x", gotContentType)
	assert.True(t, bytes.Equal([]byte("payload"), gotBody))
}

func TestHTTPFileUploader_Rejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("policy expired"))
	}))
	defer server.Close()

	uploader := NewHTTPFileUploader(nil, log.NewLogger())
	defer uploader.CloseIdleConnections()

	err := uploader.Upload(context.Background(), server.URL, MultipartBody{Data: []byte("x")})

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindHTTPStatus, terr.Kind)
	assert.Equal(t, http.StatusForbidden, terr.StatusCode)
	assert.Contains(t, terr.Error(), "403")
}

func TestHTTPFileUploader_ConnectivityLoss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	uploader := NewHTTPFileUploader(nil, log.NewLogger())

	err := uploader.Upload(context.Background(), server.URL, MultipartBody{Data: []byte("x")})

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindConnectivity, terr.Kind)
}

func TestHTTPFileUploader_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	uploader := NewHTTPFileUploader(nil, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := uploader.Upload(ctx, server.URL, MultipartBody{Data: []byte("x")})

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindCancelled, terr.Kind)
}
