package attachment

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scanbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestDeriveFilename(t *testing.T) {
	tests := []struct {
		name string
		att  domain.Attachment
		want string
	}{
		{"url segment kept", domain.Attachment{URL: "https://x/y/pic.JPG"}, "pic.JPG"},
		{"title preferred", domain.Attachment{Title: "graph.png", Name: "other.png", URL: "https://x/z.png"}, "graph.png"},
		{"name before url", domain.Attachment{Name: "scan.webp", URL: "https://x/z.png"}, "scan.webp"},
		{"extension from content type", domain.Attachment{Title: "photo", ContentType: "image/png"}, "photo.png"},
		{"fallback extension", domain.Attachment{Title: "photo"}, "photo.jpg"},
		{"synthesized from id", domain.Attachment{ID: "123", URL: "https://x/", ContentType: "image/gif"}, "image_123.gif"},
		{"sanitized", domain.Attachment{Title: "my photo (1).png"}, "my_photo__1_.png"},
		{"traversal", domain.Attachment{Title: "../../etc/passwd"}, ".._.._etc_passwd.jpg"},
		{"query dropped", domain.Attachment{URL: "https://cdn/a/shot.png?ex=1&hm=2"}, "shot.png"},
		{"escaped segment", domain.Attachment{URL: "https://x/caf%C3%A9.png"}, "caf_.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveFilename(tt.att); got != tt.want {
				t.Errorf("DeriveFilename = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveFilename_NoIDUsesUniqueName(t *testing.T) {
	a := DeriveFilename(domain.Attachment{})
	b := DeriveFilename(domain.Attachment{})
	if !strings.HasPrefix(a, "image_") || !strings.HasSuffix(a, ".jpg") {
		t.Fatalf("unexpected synthesized name %q", a)
	}
	if a == b {
		t.Errorf("synthesized names should differ, both %q", a)
	}
}

func TestSanitizeFilename_OnlySafeRunes(t *testing.T) {
	got := SanitizeFilename("a/b\\c:d*e?f\"g<h>i|j k\x00l.png")
	for _, r := range got {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			t.Fatalf("unsafe rune %q in %q", r, got)
		}
	}
	if SanitizeFilename("..") != "image" {
		t.Errorf("dot-only name should become image, got %q", SanitizeFilename(".."))
	}
}

func TestAcquirer_Acquire_Success(t *testing.T) {
	payload := []byte("\x89PNG fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "temp_images")
	acq := NewAcquirer(AcquirerConfig{WorkDir: dir, Logger: testLogger()})

	img, err := acq.Acquire(context.Background(), domain.Attachment{ID: "a1", URL: srv.URL + "/files/chart.png"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if img.Path != filepath.Join(acq.WorkDir(), "chart.png") {
		t.Errorf("unexpected path %q", img.Path)
	}
	if !filepath.IsAbs(img.Path) {
		t.Errorf("path should be absolute: %q", img.Path)
	}
	if img.Size != int64(len(payload)) || img.AttachmentID != "a1" {
		t.Errorf("unexpected image: %+v", img)
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("written bytes differ from payload")
	}

	acq.Cleanup(img)
	if _, err := os.Stat(img.Path); !os.IsNotExist(err) {
		t.Errorf("file should be removed, stat err = %v", err)
	}
	acq.Cleanup(img)
}

func TestAcquirer_Acquire_Overwrites(t *testing.T) {
	body := "first"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	acq := NewAcquirer(AcquirerConfig{WorkDir: t.TempDir(), Logger: testLogger()})
	att := domain.Attachment{URL: srv.URL + "/same.png"}
	if _, err := acq.Acquire(context.Background(), att); err != nil {
		t.Fatal(err)
	}
	body = "second"
	img, err := acq.Acquire(context.Background(), att)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(img.Path)
	if string(data) != "second" {
		t.Errorf("expected overwrite, got %q", data)
	}
}

func TestAcquirer_Acquire_MissingURL(t *testing.T) {
	acq := NewAcquirer(AcquirerConfig{WorkDir: t.TempDir(), Logger: testLogger()})
	_, err := acq.Acquire(context.Background(), domain.Attachment{ID: "x", ContentType: "image/png"})
	if !errors.Is(err, ErrMissingURL) {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
}

func TestAcquirer_Acquire_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	acq := NewAcquirer(AcquirerConfig{WorkDir: dir, Logger: testLogger()})
	_, err := acq.Acquire(context.Background(), domain.Attachment{URL: srv.URL + "/gone.png"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", se.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.png")); !os.IsNotExist(err) {
		t.Error("no file should be written on failed download")
	}
}

func TestAcquirer_Acquire_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	acq := NewAcquirer(AcquirerConfig{WorkDir: t.TempDir(), MaxBytes: 16, Logger: testLogger()})
	_, err := acq.Acquire(context.Background(), domain.Attachment{URL: srv.URL + "/big.png"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestAcquirer_Acquire_Unreachable(t *testing.T) {
	acq := NewAcquirer(AcquirerConfig{WorkDir: t.TempDir(), Logger: testLogger()})
	_, err := acq.Acquire(context.Background(), domain.Attachment{URL: "http://127.0.0.1:1/nope.png"})
	if err == nil {
		t.Fatal("expected error for unreachable host")
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.telegram.org/file/bot123:SECRET/photos/file_7.jpg", "https://api.telegram.org/.../file_7.jpg"},
		{"https://cdn.discordapp.com/attachments/1/2/shot.png?ex=abc&hm=def", "https://cdn.discordapp.com/.../shot.png"},
		{"http://127.0.0.1:8080/a.png", "http://127.0.0.1:8080/a.png"},
		{"http://host/", "http://host/"},
		{"not a url", "<url>"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAcquirer_Acquire_ErrorOmitsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	acq := NewAcquirer(AcquirerConfig{WorkDir: t.TempDir(), Logger: testLogger()})
	_, err := acq.Acquire(context.Background(), domain.Attachment{URL: srv.URL + "/file/botSECRET/photo.jpg"})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Fatalf("error leaks the url path: %v", err)
	}
}

func TestAcquirer_Acquire_LocalPath(t *testing.T) {
	src := filepath.Join(t.TempDir(), "local scan.png")
	if err := os.WriteFile(src, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	acq := NewAcquirer(AcquirerConfig{WorkDir: dir, Logger: testLogger()})

	img, err := acq.Acquire(context.Background(), domain.Attachment{ID: "cli", LocalPath: src})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if img.Path != filepath.Join(dir, "local_scan.png") {
		t.Fatalf("path = %s", img.Path)
	}
	acq.Cleanup(img)
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("cleanup must not touch the source file: %v", err)
	}
}

func TestAcquirer_Acquire_LocalPathInsideWorkDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(src, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	acq := NewAcquirer(AcquirerConfig{WorkDir: dir, Logger: testLogger()})

	if _, err := acq.Acquire(context.Background(), domain.Attachment{LocalPath: src}); err == nil {
		t.Fatal("expected error for a source that is its own destination")
	}
}
