package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	prefix  []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeObjects) PresignedURL(_ context.Context, key, filename string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + key + "?filename=" + filename + "&ttl=" + ttl.String(), nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) RemovePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = append(f.prefix, prefix)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
		}
	}
	return nil
}

func (e *testEnv) upload(t *testing.T, token, projectID, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+projectID+"/files", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return payload
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	result, _ := decodeEnvelope(t, rr)["result"].(map[string]any)
	return result
}

func TestFilesWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	ws := env.seedWorkspace(t)

	rr := env.upload(t, ws.ownerToken, ws.projectID, "brief.pdf", "application/pdf", []byte("%PDF"))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "STORAGE_UNAVAILABLE") {
		t.Fatalf("expected 503 STORAGE_UNAVAILABLE, got %d %s", rr.Code, rr.Body.String())
	}

	res := env.mutate(t, ws.ownerToken, "files.delete", map[string]any{"id": "file_x"})
	expectStatus(t, res, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")
}

func TestFileUploadListDownloadDelete(t *testing.T) {
	env := newTestEnv(t)
	objects := newFakeObjects()
	env.service.UseFiles(objects)
	ws := env.seedWorkspace(t)
	jordanUser, jordanToken := env.user(t, "Jordan Lee")
	env.addMember(t, ws.teamID, jordanUser, "member")
	samUser, samToken := env.user(t, "Sam Rivera")
	env.addMember(t, ws.teamID, samUser, "member")

	rr := env.upload(t, jordanToken, ws.projectID, "../Shot List (v2).pdf", "application/octet-stream", []byte("%PDF-1.4\nshots\n"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	file := decodeResult(t, rr)
	if file["name"] != "Shot_List_v2.pdf" {
		t.Fatalf("unexpected safe name %v", file["name"])
	}
	if file["mimeType"] != "application/pdf" {
		t.Fatalf("expected content type from extension, got %v", file["mimeType"])
	}
	if file["size"] != float64(15) {
		t.Fatalf("unexpected size %v", file["size"])
	}
	if len(objects.objects) != 1 {
		t.Fatalf("expected one stored object, got %d", len(objects.objects))
	}

	listed := env.query(t, ws.ownerToken, "files.list", map[string]any{"projectId": ws.projectID})
	expectStatus(t, listed, http.StatusOK, "")
	if got := len(listed.list()); got != 1 {
		t.Fatalf("expected 1 file, got %d", got)
	}

	req := httptest.NewRequest(http.MethodGet, file["downloadUrl"].(string), nil)
	req.Header.Set("Authorization", "Bearer "+samToken)
	download := httptest.NewRecorder()
	env.handler.ServeHTTP(download, req)
	if download.Code != http.StatusFound || !strings.HasPrefix(download.Header().Get("Location"), "https://objects.test/projects/"+ws.projectID+"/") {
		t.Fatalf("expected presigned redirect, got %d %q", download.Code, download.Header().Get("Location"))
	}

	res := env.mutate(t, samToken, "files.delete", map[string]any{"id": file["id"]})
	expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")

	res = env.mutate(t, jordanToken, "files.delete", map[string]any{"id": file["id"]})
	expectStatus(t, res, http.StatusOK, "")
	if len(objects.objects) != 0 {
		t.Fatalf("expected object removed, got %d left", len(objects.objects))
	}

	res = env.mutate(t, ws.ownerToken, "files.delete", map[string]any{"id": file["id"]})
	expectStatus(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestAdminCanDeleteAnyFile(t *testing.T) {
	env := newTestEnv(t)
	env.service.UseFiles(newFakeObjects())
	ws := env.seedWorkspace(t)
	jordanUser, jordanToken := env.user(t, "Jordan Lee")
	env.addMember(t, ws.teamID, jordanUser, "member")

	rr := env.upload(t, jordanToken, ws.projectID, "notes.txt", "text/plain", []byte("hello"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	res := env.mutate(t, ws.ownerToken, "files.delete", map[string]any{"id": decodeResult(t, rr)["id"]})
	expectStatus(t, res, http.StatusOK, "")
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t)
	env.service.UseFiles(newFakeObjects())
	env.service.cfg.MaxUploadBytes = 8
	ws := env.seedWorkspace(t)

	rr := env.upload(t, ws.ownerToken, ws.projectID, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 9))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body.String())
	}
}
