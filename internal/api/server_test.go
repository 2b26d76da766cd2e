package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fileport/filegate/internal/authz"
	"github.com/fileport/filegate/internal/config"
)

func signToken(t *testing.T, key []byte, user, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user": user,
		"aud":  tenant,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// newTestServer wires a Server with a real in-memory internal pipeline
// server (the EdgeProxy relays to it over loopback HTTP, exactly as in
// production) and a single tenant's signing key installed.
func newTestServer(t *testing.T) (publicURL string, tenantKey []byte) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Backends: map[string]config.Backend{
			"cluster": {
				Name:       "cluster",
				ImportPath: filepath.Join(root, "import"),
				ExportPath: filepath.Join(root, "import"),
			},
			"files": {
				Name:       "files",
				ImportPath: filepath.Join(root, "files"),
				ExportPath: filepath.Join(root, "files"),
			},
		},
		ExportPolicies: map[string]config.ExportPolicy{
			"default": {Enabled: true, AllowedMIMETypes: []string{"*"}},
		},
		APIUser:                   "api",
		ExportMaxNumList:          5000,
		RequestHookTimeoutSeconds: 5,
	}

	srv := NewServer(cfg, nil)

	internalTS := httptest.NewServer(srv.InternalMux())
	t.Cleanup(internalTS.Close)

	// Point the EdgeProxy at the test internal server instead of the
	// unbound cfg.InternalAddr placeholder.
	srv.proxy.InternalBaseURL = internalTS.URL

	tenantKey = []byte("test-signing-key")
	srv.gate.Keys.(*authz.StaticKeyStore).Set("p11", tenantKey)

	publicTS := httptest.NewServer(srv.PublicMux())
	t.Cleanup(publicTS.Close)
	t.Cleanup(func() { srv.Close() })

	return publicTS.URL, tenantKey
}

// TestStreamUploadThenDownload exercises S1: an EdgeProxy-relayed identity
// streaming upload, followed by a full download and a single-range download.
func TestStreamUploadThenDownload(t *testing.T) {
	baseURL, key := newTestServer(t)
	token := signToken(t, key, "alice", "p11")

	uploadReq, _ := http.NewRequest(http.MethodPut, baseURL+"/v1/p11/cluster/stream/report.txt", bytes.NewBufferString("0123456789"))
	uploadReq.Header.Set("Authorization", "Bearer "+token)
	uploadReq.Header.Set("Content-Type", "identity")

	resp, err := http.DefaultClient.Do(uploadReq)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}

	downloadReq, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/p11/cluster/export/report.txt", nil)
	downloadReq.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(downloadReq)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "0123456789" {
		t.Fatalf("downloaded body = %q", body)
	}

	rangeReq, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/p11/cluster/export/report.txt", nil)
	rangeReq.Header.Set("Authorization", "Bearer "+token)
	rangeReq.Header.Set("Range", "bytes=2-4")
	resp, err = http.DefaultClient.Do(rangeReq)
	if err != nil {
		t.Fatalf("range download: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d, want 206", resp.StatusCode)
	}
	if string(body) != "234" {
		t.Fatalf("range body = %q, want 234", body)
	}
}

// TestExportListing exercises the directory-listing download route: a
// previously uploaded file must show up as exportable.
func TestExportListing(t *testing.T) {
	baseURL, key := newTestServer(t)
	token := signToken(t, key, "alice", "p11")

	uploadReq, _ := http.NewRequest(http.MethodPut, baseURL+"/v1/p11/cluster/stream/report.txt", bytes.NewBufferString("hello"))
	uploadReq.Header.Set("Authorization", "Bearer "+token)
	uploadReq.Header.Set("Content-Type", "identity")
	resp, err := http.DefaultClient.Do(uploadReq)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}

	listReq, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/p11/cluster/export", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(listReq)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}

	var listing struct {
		Files []struct {
			Filename   string `json:"filename"`
			Exportable bool   `json:"exportable"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	found := false
	for _, f := range listing.Files {
		if f.Filename == "report.txt" {
			found = true
			if !f.Exportable {
				t.Fatalf("expected report.txt to be exportable")
			}
		}
	}
	if !found {
		t.Fatalf("report.txt missing from listing: %+v", listing.Files)
	}
}

// TestResumableChunkUploadThenDownload exercises S2: sequential chunked
// uploads explicitly finalized with chunk=end, then downloaded.
func TestResumableChunkUploadThenDownload(t *testing.T) {
	baseURL, key := newTestServer(t)
	token := signToken(t, key, "bob", "p11")

	resp1, err := http.DefaultClient.Do(chunkReq(t, baseURL, token, "archive.bin", "", "1", 8, "AAAA"))
	if err != nil {
		t.Fatalf("chunk1: %v", err)
	}
	var progress struct {
		Filename string `json:"filename"`
		ID       string `json:"id"`
		MaxChunk int    `json:"max_chunk"`
	}
	if err := json.NewDecoder(resp1.Body).Decode(&progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("chunk1 status = %d, want 200", resp1.StatusCode)
	}
	if progress.ID == "" || progress.MaxChunk != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	resp2, err := http.DefaultClient.Do(chunkReq(t, baseURL, token, "archive.bin", progress.ID, "2", 8, "BBBB"))
	if err != nil {
		t.Fatalf("chunk2: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("chunk2 status = %d, want 200", resp2.StatusCode)
	}

	resp3, err := http.DefaultClient.Do(chunkReq(t, baseURL, token, "archive.bin", progress.ID, "end", 0, ""))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusCreated {
		t.Fatalf("finalize status = %d, want 201", resp3.StatusCode)
	}

	downloadReq, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/p11/cluster/export/archive.bin", nil)
	downloadReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(downloadReq)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "AAAABBBB" {
		t.Fatalf("downloaded body = %q, want AAAABBBB", body)
	}
}

// TestResumableChunkOutOfOrder exercises S3: the literal chunk_order_incorrect
// envelope is returned for a non-sequential chunk number.
func TestResumableChunkOutOfOrder(t *testing.T) {
	baseURL, key := newTestServer(t)
	token := signToken(t, key, "carol", "p11")

	req := chunkReq(t, baseURL, token, "skip.bin", "", "2", 0, "AAAA")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Message != "chunk_order_incorrect" {
		t.Fatalf("message = %q, want chunk_order_incorrect", envelope.Message)
	}
}

// TestFormUpload exercises the multipart form-upload route outside the
// resumable/stream protocol entirely.
func TestFormUpload(t *testing.T) {
	baseURL, key := newTestServer(t)
	token := signToken(t, key, "dave", "p11")

	var buf bytes.Buffer
	writer := newMultipartWriter(&buf, "upload", "note.txt", "hello form")

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/p11/files/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("form upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, body)
	}
}

func chunkReq(t *testing.T, baseURL, token, filename, uploadID, chunkParam string, totalSize int64, body string) *http.Request {
	t.Helper()
	url := fmt.Sprintf("%s/v1/p11/cluster/stream/%s?chunk=%s", baseURL, filename, chunkParam)
	if uploadID != "" {
		url += "&id=" + uploadID
	}
	if totalSize > 0 {
		url += fmt.Sprintf("&total_size=%d", totalSize)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build chunk request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "identity")
	return req
}

// newMultipartWriter writes a single-field, single-file multipart body into
// buf and returns the Content-Type header value to use with it.
func newMultipartWriter(buf *bytes.Buffer, field, filename, content string) string {
	const boundary = "filegateTestBoundary"
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=%q; filename=%q\r\n", field, filename))
	buf.WriteString("Content-Type: text/plain\r\n\r\n")
	buf.WriteString(content)
	buf.WriteString("\r\n--" + boundary + "--\r\n")
	return "multipart/form-data; boundary=" + boundary
}
