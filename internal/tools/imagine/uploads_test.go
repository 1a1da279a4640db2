package imagine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUploadsSave(t *testing.T) {
	dir := t.TempDir()
	u, err := NewUploads(dir, "http://localhost:7860/")
	if err != nil {
		t.Fatalf("NewUploads: %v", err)
	}

	url, err := u.Save(pngBytes, "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:7860/uploads/") {
		t.Errorf("url = %q", url)
	}
	if !strings.HasSuffix(url, ".png") {
		t.Errorf("url extension = %q", url)
	}

	name := strings.TrimPrefix(url, "http://localhost:7860/uploads/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Error("saved bytes mismatch")
	}
}

func TestUploadsSaveSniffsExtension(t *testing.T) {
	u, err := NewUploads(t.TempDir(), "http://host")
	if err != nil {
		t.Fatalf("NewUploads: %v", err)
	}

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0}
	url, err := u.Save(jpeg, "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(url, ".jpg") {
		t.Errorf("url = %q, want .jpg from magic bytes", url)
	}
}
