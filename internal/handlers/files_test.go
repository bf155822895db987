package handlers

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/termgate/termgate/internal/engine"
	"github.com/termgate/termgate/internal/registry"
)

func uploadRequest(t *testing.T, ts *httptest.Server, sessionID string, cookie *http.Cookie, filename, path, content string) *http.Response {
	t.Helper()

	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	if path != "" {
		if err := mw.WriteField("path", path); err != nil {
			t.Fatalf("write path field: %v", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/session/"+sessionID+"/upload", buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func seedWorkspace(t *testing.T, info registry.Info) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(info.Workspace, "project"), 0o755); err != nil {
		t.Fatalf("seed project dir: %v", err)
	}
	for name, content := range map[string]string{
		"readme.md":            "hello\n",
		"Zfile.txt":            "zzz",
		"project/main.py":      "print('hi')\n",
		"project/requirements": "flask\n",
	} {
		if err := os.WriteFile(filepath.Join(info.Workspace, filepath.FromSlash(name)), []byte(content), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
}

func TestUploadFile(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")

	resp := uploadRequest(t, ts, info.ID, cookie, "notes.txt", "", "remember the milk\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Filename string `json:"filename"`
		Path     string `json:"path"`
		Size     int64  `json:"size"`
		FullPath string `json:"full_path"`
	}
	decodeBody(t, resp, &body)
	if body.Filename != "notes.txt" || body.Path != "notes.txt" {
		t.Fatalf("filename = %q, path = %q", body.Filename, body.Path)
	}
	if body.Size != int64(len("remember the milk\n")) {
		t.Fatalf("size = %d", body.Size)
	}
	if body.FullPath != engine.WorkspaceMount+"/notes.txt" {
		t.Fatalf("full_path = %q", body.FullPath)
	}

	data, err := os.ReadFile(filepath.Join(info.Workspace, "notes.txt"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "remember the milk\n" {
		t.Fatalf("uploaded content = %q", data)
	}
}

func TestUploadFileIntoSubdirectory(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")

	resp := uploadRequest(t, ts, info.ID, cookie, "main.py", "project/src/main.py", "print('hi')\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Filename string `json:"filename"`
		Path     string `json:"path"`
		FullPath string `json:"full_path"`
	}
	decodeBody(t, resp, &body)
	if body.Filename != "main.py" {
		t.Fatalf("filename = %q", body.Filename)
	}
	if body.FullPath != engine.WorkspaceMount+"/project/src/main.py" {
		t.Fatalf("full_path = %q", body.FullPath)
	}

	if _, err := os.Stat(filepath.Join(info.Workspace, "project", "src", "main.py")); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
}

func TestUploadFileTraversal(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")

	for _, path := range []string{"../evil.txt", "a/../../evil.txt", "..\\evil.txt"} {
		resp := uploadRequest(t, ts, info.ID, cookie, "evil.txt", path, "pwned")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("path %q: status = %d, want 400", path, resp.StatusCode)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(info.Workspace), "evil.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal escaped the workspace")
	}
}

func TestUploadFileMissingField(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")

	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	mw.WriteField("path", "orphan.txt")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/session/"+info.ID+"/upload", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadFileNotOwner(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")

	resp := uploadRequest(t, ts, info.ID, sessionCookieFor(t, "bob"), "notes.txt", "", "hi")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestBrowseFiles(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")
	seedWorkspace(t, info)

	resp := doRequest(t, ts, http.MethodGet, "/session/"+info.ID+"/browse", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Path   string      `json:"path"`
		Parent interface{} `json:"parent"`
		Files  []fileEntry `json:"files"`
	}
	decodeBody(t, resp, &body)
	if body.Path != "" || body.Parent != nil {
		t.Fatalf("root listing path = %q, parent = %v", body.Path, body.Parent)
	}
	var names []string
	for _, f := range body.Files {
		names = append(names, f.Name)
	}
	// Directories first, then case-insensitive by name.
	want := []string{"project", "readme.md", "Zfile.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("root listing = %v, want %v", names, want)
	}
	if !body.Files[0].IsDir {
		t.Fatal("project not reported as a directory")
	}

	resp = doRequest(t, ts, http.MethodGet, "/session/"+info.ID+"/browse?path=project", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subdir status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body.Path != "project" {
		t.Fatalf("subdir path = %q", body.Path)
	}
	if body.Parent != "." {
		t.Fatalf("subdir parent = %v, want .", body.Parent)
	}
	if len(body.Files) != 2 {
		t.Fatalf("subdir listing has %d entries", len(body.Files))
	}
}

func TestBrowseFilesErrors(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")
	seedWorkspace(t, info)

	cases := []struct {
		path string
		want int
	}{
		{"../../etc", http.StatusBadRequest},
		{"no-such-dir", http.StatusNotFound},
		{"readme.md", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := doRequest(t, ts, http.MethodGet,
			"/session/"+info.ID+"/browse?path="+url.QueryEscape(tc.path), cookie)
		if resp.StatusCode != tc.want {
			t.Fatalf("path %q: status = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestDownloadFile(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")
	seedWorkspace(t, info)

	resp := doRequest(t, ts, http.MethodGet,
		"/session/"+info.ID+"/download?path=project/main.py", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="main.py"`) {
		t.Fatalf("content disposition = %q", cd)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "print('hi')\n" {
		t.Fatalf("downloaded content = %q", data)
	}
}

func TestDownloadFileErrors(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")
	seedWorkspace(t, info)

	cases := []struct {
		path string
		want int
	}{
		{"", http.StatusBadRequest},
		{"../../etc/passwd", http.StatusBadRequest},
		{"project", http.StatusBadRequest},
		{"missing.txt", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := doRequest(t, ts, http.MethodGet,
			"/session/"+info.ID+"/download?path="+url.QueryEscape(tc.path), cookie)
		if resp.StatusCode != tc.want {
			t.Fatalf("path %q: status = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestListFiles(t *testing.T) {
	env := setupEnv(t, true)
	ts := startServer(t, env)
	info := createSessionFor(t, env, "alice")
	cookie := sessionCookieFor(t, "alice")
	seedWorkspace(t, info)

	resp := doRequest(t, ts, http.MethodGet, "/session/"+info.ID+"/files", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Files []fileEntry `json:"files"`
	}
	decodeBody(t, resp, &body)
	if len(body.Files) != 3 {
		t.Fatalf("got %d entries, want 3", len(body.Files))
	}
	if body.Files[0].Name != "project" || !body.Files[0].IsDir {
		t.Fatalf("first entry = %+v, want project dir", body.Files[0])
	}
	// Directory sizes are recursive.
	wantSize := int64(len("print('hi')\n") + len("flask\n"))
	if body.Files[0].Size != wantSize {
		t.Fatalf("project size = %d, want %d", body.Files[0].Size, wantSize)
	}
}

func TestCleanWorkspacePath(t *testing.T) {
	cases := []struct {
		raw     string
		rel     string
		wantErr bool
	}{
		{"notes.txt", "notes.txt", false},
		{"/notes.txt", "notes.txt", false},
		{"\\notes.txt", "notes.txt", false},
		{" project/main.py ", "project/main.py", false},
		{"", "", false},
		{"../evil", "", true},
		{"a/../../evil", "", true},
		{"..", "", true},
	}
	for _, tc := range cases {
		_, rel, err := cleanWorkspacePath("/srv/workspaces/abc", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("raw %q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("raw %q: %v", tc.raw, err)
		}
		if rel != tc.rel {
			t.Fatalf("raw %q: rel = %q, want %q", tc.raw, rel, tc.rel)
		}
	}
}
