//go:build integration
// +build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	var values []string
	for _, v := range repo.envVars {
		values = append(values, v)
	}
	return values
}

// objectStore is an in-process stand-in for the storage bucket: it accepts
// the browser-style multipart POST the engine sends and serves the stored
// bytes back on GET /object/<key>.
type objectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	server  *httptest.Server
}

func newObjectStore(t *testing.T) *objectStore {
	t.Helper()
	store := &objectStore{objects: map[string][]byte{}}
	store.server = httptest.NewServer(http.HandlerFunc(store.handle))
	t.Cleanup(store.server.Close)
	return store
}

func (s *objectStore) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := r.FormValue("key")
		if key == "" {
			http.Error(w, "missing key field", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.objects[key] = content
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		key := r.URL.Path[len("/object/"):]
		s.mu.Lock()
		content, ok := s.objects[key]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		if _, err := w.Write(content); err != nil {
			logger.Warnf("failed to serve %s: %s", key, err)
		}
	default:
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (s *objectStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[key]
	return content, ok
}

func (s *objectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// coordinator is an in-process stand-in for the archival API: it issues
// destination URLs pointing at the object store and records batch
// completion calls.
type coordinator struct {
	mu            sync.Mutex
	store         *objectStore
	server        *httptest.Server
	completedIDs  []int64
	nextRecordID  int64
	issuedBatches int
}

func newCoordinator(t *testing.T, store *objectStore) *coordinator {
	t.Helper()
	c := &coordinator{store: store}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.server.Close)
	return c
}

func (c *coordinator) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer integration-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/files/get_presigned_urls/":
		var request struct {
			Files []struct {
				Filename string `json:"filename"`
			} `json:"files"`
			BatchID string `json:"batch_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type destination struct {
			Filename     string            `json:"filename"`
			S3Key        string            `json:"s3_key"`
			URL          string            `json:"url"`
			Fields       map[string]string `json:"fields"`
			MediaFileID  int64             `json:"media_file_id"`
		}
		response := struct {
			PresignedURLs []destination `json:"presigned_urls"`
			BatchID       string        `json:"batch_id"`
		}{BatchID: request.BatchID}

		c.mu.Lock()
		c.issuedBatches++
		for _, file := range request.Files {
			c.nextRecordID++
			key := "uploads/" + file.Filename
			response.PresignedURLs = append(response.PresignedURLs, destination{
				Filename:    file.Filename,
				S3Key:       key,
				URL:         c.store.server.URL,
				Fields:      map[string]string{"key": key},
				MediaFileID: c.nextRecordID,
			})
		}
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Warnf("failed to encode destinations: %s", err)
		}
	case "/files/complete_upload_batch/":
		var request struct {
			MediaFileIDs []int64 `json:"media_file_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.completedIDs = append(c.completedIDs, request.MediaFileIDs...)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (c *coordinator) completed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64{}, c.completedIDs...)
}
