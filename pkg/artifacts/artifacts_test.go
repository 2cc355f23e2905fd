package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"agent-runtime/pkg/task"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func sessionTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"tests/login.spec.ts":        "test('login')",
		"specs/plan.md":              "# plan",
		"README.md":                  "hi",
		"opencode.json":              "{}",
		".opencode/agent/planner.md": "x",
		".git/HEAD":                  "ref",
		"node_modules/pkg/index.js":  "x",
		"tests/.gitkeep":             "",
		"sub/__pycache__/mod.pyc":    "x",
	})
	return dir
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"tests/login.spec.ts", false},
		{"opencode.json", true},
		{"a/b/.gitkeep", true},
		{".git/config", true},
		{"x/node_modules/y.js", true},
		{".opencode", true},
		{"notes/opencode.json.bak", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestListFiles(t *testing.T) {
	dir := sessionTree(t)
	files, err := ListFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
		if f.Type != "file" {
			t.Errorf("%s type = %q", f.Path, f.Type)
		}
	}
	want := "README.md,specs/plan.md,tests/login.spec.ts"
	if got := strings.Join(paths, ","); got != want {
		t.Errorf("paths = %s, want %s", got, want)
	}
	if files[2].Name != "login.spec.ts" || files[2].Size != int64(len("test('login')")) {
		t.Errorf("entry = %+v", files[2])
	}
}

func TestListFilesMissingDir(t *testing.T) {
	if _, err := ListFiles(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestWriteZip(t *testing.T) {
	dir := sessionTree(t)
	var buf bytes.Buffer
	n, err := WriteZip(&buf, dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("added %d files", n)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "specs/plan.md" {
			rc, _ := f.Open()
			body, _ := io.ReadAll(rc)
			rc.Close()
			if string(body) != "# plan" {
				t.Errorf("plan.md = %q", body)
			}
		}
	}
	sort.Strings(names)
	if got := strings.Join(names, ","); got != "README.md,specs/plan.md,tests/login.spec.ts" {
		t.Errorf("zip entries = %s", got)
	}
}

func TestArchive(t *testing.T) {
	path, size, err := Archive(sessionTree(t))
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)
	if size <= 0 {
		t.Errorf("size = %d", size)
	}
}

func TestBlobName(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := BlobName("s1", ts); got != "session_s1_20250304_050607.zip" {
		t.Errorf("BlobName = %s", got)
	}
}

func TestValidateSASURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://acct.blob.core.windows.net/container?sv=1&sig=abc", true},
		{"http://acct.blob.core.windows.net/container?sig=abc", false},
		{"https://example.com/container?sig=abc", false},
		{"https://acct.blob.core.windows.net/container?sv=1", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		err := ValidateSASURL(tt.url)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSASURL(%q) = %v, want ok=%v", tt.url, err, tt.ok)
		}
	}
}

func TestBlobURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://a.blob.core.windows.net/c?sig=x", "https://a.blob.core.windows.net/c/f.zip?sig=x"},
		{"https://a.blob.core.windows.net/c/?sig=x", "https://a.blob.core.windows.net/c/f.zip?sig=x"},
		{"https://a.blob.core.windows.net/c", "https://a.blob.core.windows.net/c/f.zip"},
	}
	for _, tt := range tests {
		got, err := BlobURL(tt.in, "f.zip")
		if err != nil || got != tt.want {
			t.Errorf("BlobURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestSASUploader(t *testing.T) {
	var gotPath, gotType, gotQuery string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotType = r.Header.Get("x-ms-blob-type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "a.zip")
	if err := os.WriteFile(file, []byte("zipdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := NewSASUploader()
	u.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	res, err := u.Upload(context.Background(), task.ArtifactsDestination{SASURL: srv.URL + "/container?sv=1&sig=secret"}, "out.zip", file)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/container/out.zip" || gotQuery != "sv=1&sig=secret" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}
	if gotType != "BlockBlob" || string(gotBody) != "zipdata" {
		t.Errorf("blob type %q body %q", gotType, gotBody)
	}
	if res.URL != srv.URL+"/container/out.zip" {
		t.Errorf("url = %s", res.URL)
	}
	if strings.Contains(res.URL, "sig=") {
		t.Error("returned url leaks the signature")
	}
	if res.Size != 7 || res.Name != "out.zip" || !res.UploadedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("artifact = %+v", res)
	}
}

func TestSASUploaderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AuthenticationFailed", http.StatusForbidden)
	}))
	defer srv.Close()
	file := filepath.Join(t.TempDir(), "a.zip")
	os.WriteFile(file, []byte("x"), 0o644)

	_, err := NewSASUploader().Upload(context.Background(), task.ArtifactsDestination{SASURL: srv.URL + "/c?sig=s"}, "a.zip", file)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

type recordingUploader struct{ calls int }

func (r *recordingUploader) Upload(context.Context, task.ArtifactsDestination, string, string) (*task.UploadedArtifact, error) {
	r.calls++
	return &task.UploadedArtifact{}, nil
}

func TestRouter(t *testing.T) {
	sas, s3 := &recordingUploader{}, &recordingUploader{}
	r := Router{SAS: sas, S3: s3}
	ctx := context.Background()

	r.Upload(ctx, task.ArtifactsDestination{SASURL: "https://x"}, "n", "p")
	r.Upload(ctx, task.ArtifactsDestination{Bucket: "b"}, "n", "p")
	if sas.calls != 1 || s3.calls != 1 {
		t.Errorf("sas=%d s3=%d", sas.calls, s3.calls)
	}

	_, err := Router{}.Upload(ctx, task.ArtifactsDestination{Bucket: "b"}, "n", "p")
	if !errors.Is(err, ErrNoDestination) {
		t.Errorf("expected ErrNoDestination, got %v", err)
	}
}
