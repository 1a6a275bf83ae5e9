package downloads

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeTestTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractZipStripsPrefix(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.zip")
	writeTestZip(t, archive, map[string]string{
		"QuPath-0.5.1/bin/QuPath": "binary",
		"QuPath-0.5.1/readme.md":  "docs",
	})

	dest := filepath.Join(dir, "out")
	if err := ExtractZip(archive, dest, "QuPath-0.5.1/", nil); err != nil {
		t.Fatalf("ExtractZip failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "bin", "QuPath"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "binary" {
		t.Errorf("extracted content = %q", data)
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "atlas.tar.gz")
	writeTestTarGz(t, archive, map[string]string{
		"allen_mouse_25um/metadata.json": `{"name":"allen_mouse_25um"}`,
	})

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := ExtractTarGz(archive, dest, nil); err != nil {
		t.Fatalf("ExtractTarGz failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "allen_mouse_25um", "metadata.json"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) == "" {
		t.Error("extracted file is empty")
	}
}

func TestExtractFileFromZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "tool.zip")
	writeTestZip(t, archive, map[string]string{
		"build/docs/readme": "no",
		"build/bin/ffmpeg":  "the binary",
	})

	dest := filepath.Join(dir, "ffmpeg")
	err := ExtractFileFromZip(archive, dest, func(name string) bool {
		return filepath.Base(name) == "ffmpeg"
	}, nil)
	if err != nil {
		t.Fatalf("ExtractFileFromZip failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "the binary" {
		t.Errorf("extracted content = %q", data)
	}

	err = ExtractFileFromZip(archive, dest, func(string) bool { return false }, nil)
	if err == nil {
		t.Error("expected error when nothing matches")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
