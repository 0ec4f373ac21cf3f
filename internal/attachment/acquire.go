package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"scanbot/internal/domain"

	"github.com/google/uuid"
)

const (
	defaultMaxImageBytes int64 = 25 * 1024 * 1024
	defaultFetchTimeout        = 60 * time.Second
)

var (
	// ErrMissingURL is returned for attachments without a download URL.
	ErrMissingURL = errors.New("attachment has no url")
	// ErrTooLarge is returned when the download exceeds the size limit.
	ErrTooLarge = errors.New("image too large")
)

// StatusError is a non-2xx download response. URL is redacted.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
}

// AcquirerConfig configures an Acquirer.
type AcquirerConfig struct {
	WorkDir    string
	HTTPClient *http.Client
	MaxBytes   int64 // default: 25MB
	Logger     *slog.Logger
}

// Acquirer downloads image attachments into a single scratch directory.
type Acquirer struct {
	workDir  string
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func NewAcquirer(cfg AcquirerConfig) *Acquirer {
	dir := cfg.WorkDir
	if dir == "" {
		dir = "temp_images"
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{workDir: dir, client: client, maxBytes: maxBytes, logger: logger}
}

// WorkDir returns the absolute scratch directory.
func (a *Acquirer) WorkDir() string { return a.workDir }

// Acquire downloads att (or copies att.LocalPath when it has no URL) and
// writes it to <workDir>/<sanitized name>, overwriting any existing file of
// that name.
func (a *Acquirer) Acquire(ctx context.Context, att domain.Attachment) (*domain.AcquiredImage, error) {
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	var (
		data []byte
		err  error
	)
	switch {
	case strings.TrimSpace(att.URL) != "":
		data, err = a.fetch(ctx, att.URL)
	case att.LocalPath != "":
		data, err = a.readLocal(att.LocalPath)
	default:
		return nil, ErrMissingURL
	}
	if err != nil {
		return nil, err
	}

	name := DeriveFilename(att)
	dest := filepath.Join(a.workDir, name)
	if att.LocalPath != "" {
		// Cleanup would otherwise delete the caller's original.
		if src, err := filepath.Abs(att.LocalPath); err == nil && src == dest {
			return nil, fmt.Errorf("local image %s is already inside the work dir", name)
		}
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}

	a.logger.Info("image acquired", "attachment", att.ID, "file", name, "bytes", len(data))
	return &domain.AcquiredImage{
		AttachmentID: att.ID,
		Path:         dest,
		Size:         int64(len(data)),
	}, nil
}

func (a *Acquirer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, which may carry a bot token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("download %s: %w", redactURL(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: redactURL(rawURL), StatusCode: resp.StatusCode}
	}
	return readAllWithLimit(resp.Body, a.maxBytes)
}

func (a *Acquirer) readLocal(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open local image: %w", err)
	}
	defer f.Close()
	return readAllWithLimit(f, a.maxBytes)
}

// redactURL keeps scheme, host and the last path segment. Telegram file
// URLs embed the bot token in the path and query strings carry signatures.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<url>"
	}
	seg := path.Base(u.Path)
	if seg == "." || seg == "/" {
		return u.Scheme + "://" + u.Host + "/"
	}
	if strings.Count(strings.Trim(u.Path, "/"), "/") == 0 {
		return u.Scheme + "://" + u.Host + "/" + seg
	}
	return u.Scheme + "://" + u.Host + "/.../" + seg
}

// Cleanup removes the local copy. Failures are logged only.
func (a *Acquirer) Cleanup(img *domain.AcquiredImage) {
	if img == nil || img.Path == "" {
		return
	}
	if err := os.Remove(img.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("temp image cleanup failed", "path", img.Path, "err", err)
	}
}

// DeriveFilename picks the local filename for att: title or name, then the
// last URL segment, then one synthesized from the ID. An extension inferred
// from the content type is appended when missing, and the result is
// sanitized.
func DeriveFilename(att domain.Attachment) string {
	name := strings.TrimSpace(att.Title)
	if name == "" {
		name = strings.TrimSpace(att.Name)
	}
	if name == "" {
		name = lastSegment(att.URL)
	}
	if name == "" && att.LocalPath != "" {
		name = filepath.Base(att.LocalPath)
	}
	if name == "" {
		id := att.ID
		if id == "" {
			id = uuid.NewString()
		}
		name = "image_" + id
	}
	if !hasImageExtension(name) {
		name += extensionFor(att.ContentType)
	}
	return SanitizeFilename(name)
}

// SanitizeFilename replaces every rune outside [A-Za-z0-9._-] with '_'.
// Names made only of dots become "image" so they never resolve to a
// directory.
func SanitizeFilename(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if strings.Trim(out, ".") == "" {
		return "image"
	}
	return out
}

func readAllWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}
