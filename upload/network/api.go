package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxFilesPerBatch = 1500

// FileParam describes one file in a bulk destination request.
type FileParam struct {
	Filename     string `json:"filename"`
	FileType     string `json:"fileType"`
	FileSize     int64  `json:"fileSize"`
	RelativePath string `json:"relativePath,omitempty"`
}

// SignedDestination is a short-lived pre-authorized upload target, one per
// requested file, index-aligned with the request.
type SignedDestination struct {
	FileName      string     `json:"filename"`
	URL           string     `json:"url"`
	Fields        FormFields `json:"fields"`
	MediaRecordID int64      `json:"media_file_id"`
	StorageKey    string     `json:"s3_key"`
}

type destinationsRequest struct {
	Files   []FileParam `json:"files"`
	BatchID string      `json:"batch_id,omitempty"`
}

type destinationsResponse struct {
	Destinations []SignedDestination `json:"presigned_urls"`
	BatchID      string              `json:"batch_id"`
}

type completeBatchRequest struct {
	MediaRecordIDs []int64 `json:"media_file_ids"`
	BatchID        string  `json:"batch_id,omitempty"`
}

// Client talks to the upload coordinator that mints signed destinations.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// RequestDestinations asks for one signed destination per file in a single
// bulk call. The response is index-aligned with the request, but may be
// shorter when the coordinator could not mint a destination for every file.
func (c *Client) RequestDestinations(ctx context.Context, files []FileParam, batchID string) ([]SignedDestination, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > maxFilesPerBatch {
		return nil, fmt.Errorf("maximum number of files per batch is %d, %d provided", maxFilesPerBatch, len(files))
	}

	url := fmt.Sprintf("%s/files/get_presigned_urls/", c.baseURL)

	body, err := json.Marshal(destinationsRequest{Files: files, BatchID: batchID})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response destinationsResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return nil, err
	}

	if len(response.Destinations) < len(files) {
		c.logger.Warnf("Coordinator issued %d destinations for %d files", len(response.Destinations), len(files))
	}

	return response.Destinations, nil
}

// CompleteBatch reports the media records that finished uploading so the
// coordinator can flip their state without polling the bucket.
func (c *Client) CompleteBatch(ctx context.Context, mediaRecordIDs []int64, batchID string) error {
	if len(mediaRecordIDs) == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/files/complete_upload_batch/", c.baseURL)

	body, err := json.Marshal(completeBatchRequest{MediaRecordIDs: mediaRecordIDs, BatchID: batchID})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
