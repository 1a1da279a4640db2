// Package imagine implements the image generation and editing tools plus the
// local uploads store that gives generated bytes a servable URL.
package imagine

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Uploads persists image bytes under a public directory and returns the URL
// they are served at.
type Uploads struct {
	dir     string
	baseURL string
}

// NewUploads creates the store, making the directory if needed. baseURL is
// the externally reachable server root, e.g. "http://localhost:7860".
func NewUploads(dir, baseURL string) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Uploads{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Dir returns the filesystem path uploads are written to.
func (u *Uploads) Dir() string {
	return u.dir
}

// Save writes image bytes and returns their public URL. The extension comes
// from the content type when given, otherwise from sniffing the bytes.
func (u *Uploads) Save(data []byte, contentType string) (string, error) {
	ext := extensionFor(data, contentType)
	name := fmt.Sprintf("%d_%s%s", time.Now().UnixMilli(), randomAlphaNum(10), ext)
	path := filepath.Join(u.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return u.baseURL + "/uploads/" + name, nil
}

func extensionFor(data []byte, contentType string) string {
	switch {
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "png"):
		return ".png"
	}
	mime, ext := SniffImage(data)
	if mime != "" {
		return ext
	}
	return ".png"
}

// SniffImage detects common image formats from magic bytes.
func SniffImage(data []byte) (mime, ext string) {
	switch {
	case len(data) > 2 && data[0] == 0xff && data[1] == 0xd8:
		return "image/jpeg", ".jpg"
	case len(data) > 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4e && data[3] == 0x47:
		return "image/png", ".png"
	case len(data) > 4 && data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif", ".gif"
	case len(data) > 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp", ".webp"
	}
	return "", ""
}

const alphaNum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphaNum(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphaNum[rand.Intn(len(alphaNum))]
	}
	return string(b)
}
