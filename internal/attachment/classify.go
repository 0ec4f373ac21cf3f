// Package attachment decides which chat attachments are images and
// downloads them into the scratch directory.
package attachment

import (
	"net/url"
	"path"
	"strings"

	"scanbot/internal/domain"
)

const (
	imageSourceTag    = "image"
	imageContentType  = "image/"
	fallbackExtension = ".jpg"
)

// imageExtensions are matched case-insensitively, with the leading dot.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

// IsImage reports whether a looks like an image by source tag, declared
// content type or file extension. It never performs I/O.
func IsImage(a domain.Attachment) bool {
	if strings.EqualFold(strings.TrimSpace(a.Source), imageSourceTag) {
		return true
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.ContentType)), imageContentType) {
		return true
	}
	for _, name := range []string{urlPath(a.URL), a.Name, a.Title} {
		if hasImageExtension(name) {
			return true
		}
	}
	return false
}

// FilterImages returns the image-like attachments in their original order.
func FilterImages(atts []domain.Attachment) []domain.Attachment {
	var out []domain.Attachment
	for _, a := range atts {
		if IsImage(a) {
			out = append(out, a)
		}
	}
	return out
}

func hasImageExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// urlPath strips scheme, host, query and fragment so CDN signatures such
// as "?ex=..." do not hide the extension. Unparseable input is returned
// unchanged.
func urlPath(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// extensionFor maps a declared content type to a file extension.
func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp", "image/x-ms-bmp":
		return ".bmp"
	}
	return fallbackExtension
}

// lastSegment returns the final path element of a URL, or "".
func lastSegment(raw string) string {
	p := urlPath(raw)
	if p == "" {
		return ""
	}
	seg := path.Base(p)
	if seg == "." || seg == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return seg
}
