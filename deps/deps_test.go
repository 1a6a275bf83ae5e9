package deps

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mlardeux/histopipe/downloads"
)

func TestRegisterAndGet(t *testing.T) {
	dep := &Dependency{ID: "test-dep", Name: "Test Dependency"}
	Register(dep)

	got, ok := Get("test-dep")
	if !ok {
		t.Fatal("expected dependency to be registered")
	}
	if got.Name != "Test Dependency" {
		t.Errorf("expected name 'Test Dependency', got %q", got.Name)
	}

	if _, ok := Get("nonexistent"); ok {
		t.Error("expected lookup of unknown dependency to fail")
	}
}

func TestGetAllIncludesBuiltins(t *testing.T) {
	all := GetAll()
	ids := make(map[string]bool)
	for _, d := range all {
		ids[d.ID] = true
	}
	for _, want := range []string{"ffmpeg", "qupath", "onnxruntime"} {
		if !ids[want] {
			t.Errorf("expected %s in registry, got %v", want, ids)
		}
	}
}

func TestEnsureAvailableUnknown(t *testing.T) {
	err := EnsureAvailable(context.Background(), "no-such-dep", nil)
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if !strings.Contains(err.Error(), "unknown dependency") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnsureAvailablePresent(t *testing.T) {
	Register(&Dependency{
		ID:   "present-dep",
		Name: "Present",
		Check: func(ctx context.Context) (bool, string, error) {
			return true, "1.0", nil
		},
	})
	if err := EnsureAvailable(context.Background(), "present-dep", nil); err != nil {
		t.Fatalf("expected no error for present dependency, got %v", err)
	}
}

func TestEnsureAvailableManualOnly(t *testing.T) {
	Register(&Dependency{
		ID:         "manual-dep",
		Name:       "Manual",
		ManualOnly: true,
		InstallURL: "https://example.com/install",
		Check: func(ctx context.Context) (bool, string, error) {
			return false, "", nil
		},
	})
	err := EnsureAvailable(context.Background(), "manual-dep", nil)
	if err == nil {
		t.Fatal("expected error for missing manual dependency")
	}
	if !strings.Contains(err.Error(), "https://example.com/install") {
		t.Errorf("expected install URL in error, got %v", err)
	}
}

func TestEnsureAvailableDownloads(t *testing.T) {
	installed := false
	Register(&Dependency{
		ID:   "auto-dep",
		Name: "Auto",
		Check: func(ctx context.Context) (bool, string, error) {
			return installed, "", nil
		},
		Download: func(ctx context.Context, progress downloads.ProgressCallback) error {
			installed = true
			return nil
		},
	})
	if err := EnsureAvailable(context.Background(), "auto-dep", nil); err != nil {
		t.Fatalf("expected auto-download to succeed, got %v", err)
	}
	if !installed {
		t.Error("expected download to run")
	}
}

func TestParseFFmpegVersion(t *testing.T) {
	cases := []struct {
		output string
		want   string
	}{
		{"ffmpeg version 6.1.1 Copyright (c) 2000-2023", "6.1.1"},
		{"ffmpeg version n7.0-12-gabc123 Copyright", "n7.0-12-gabc123"},
		{"not ffmpeg output", "unknown"},
		{"", "unknown"},
	}
	for _, c := range cases {
		if got := parseFFmpegVersion(c.output); got != c.want {
			t.Errorf("parseFFmpegVersion(%q) = %q, want %q", c.output, got, c.want)
		}
	}
}

func TestParseQuPathVersion(t *testing.T) {
	cases := []struct {
		output string
		want   string
	}{
		{"QuPath v0.5.1", "0.5.1"},
		{"QuPath 0.4.4\nBuild time: 2023", "0.4.4"},
		{"something else entirely", "unknown"},
	}
	for _, c := range cases {
		if got := parseQuPathVersion(c.output); got != c.want {
			t.Errorf("parseQuPathVersion(%q) = %q, want %q", c.output, got, c.want)
		}
	}
}

func TestGetAtlasDownloadURL(t *testing.T) {
	url := GetAtlasDownloadURL("allen_mouse_25um", "1.2")
	want := "https://gin.g-node.org/BrainGlobe/atlases/raw/master/allen_mouse_25um_v1.2.tar.gz"
	if url != want {
		t.Errorf("expected %s, got %s", want, url)
	}
}

func TestGetOnnxRuntimeDownloadURL(t *testing.T) {
	url := GetOnnxRuntimeDownloadURL("1.21.0", "amd64")
	if !strings.Contains(url, "1.21.0") {
		t.Errorf("expected version in URL, got %s", url)
	}
	if !strings.HasPrefix(url, "https://github.com/microsoft/onnxruntime/releases/download/") {
		t.Errorf("unexpected URL base: %s", url)
	}
}

func TestAtlasIDFromName(t *testing.T) {
	if got := AtlasIDFromName("allen_mouse_25um"); got != "atlas-allen_mouse_25um" {
		t.Errorf("unexpected ID %q", got)
	}
	if got := AtlasIDFromName("atlas-allen_mouse_25um"); got != "atlas-allen_mouse_25um" {
		t.Errorf("expected idempotent ID, got %q", got)
	}
}

func TestRegisterAtlas(t *testing.T) {
	RegisterAtlas("allen_mouse_50um")
	dep, ok := Get("atlas-allen_mouse_50um")
	if !ok {
		t.Fatal("expected atlas dependency to be registered")
	}
	if !dep.Optional {
		t.Error("expected atlas dependency to be optional")
	}
	if !strings.Contains(dep.DownloadURL, "allen_mouse_50um") {
		t.Errorf("unexpected download URL %s", dep.DownloadURL)
	}
}

func TestGetExecutableName(t *testing.T) {
	name := GetExecutableName("ffmpeg")
	if name != "ffmpeg" && name != "ffmpeg.exe" {
		t.Errorf("unexpected executable name %q", name)
	}
}

func ExampleGetAtlasDownloadURL() {
	fmt.Println(GetAtlasDownloadURL("allen_mouse_100um", "1.2"))
	// Output: https://gin.g-node.org/BrainGlobe/atlases/raw/master/allen_mouse_100um_v1.2.tar.gz
}
