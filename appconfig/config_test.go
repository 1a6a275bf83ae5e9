package appconfig

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.InputPrefix != "_s" {
		t.Errorf("Default InputPrefix = %q; want %q", cfg.InputPrefix, "_s")
	}

	if cfg.InputExt != "ome.tiff" {
		t.Errorf("Default InputExt = %q; want %q", cfg.InputExt, "ome.tiff")
	}

	if cfg.OutputDigits != 3 {
		t.Errorf("Default OutputDigits = %d; want 3", cfg.OutputDigits)
	}

	if math.Abs(cfg.Detection.CannySigma-math.Sqrt2) > 1e-12 {
		t.Errorf("Default CannySigma = %f; want sqrt(2)", cfg.Detection.CannySigma)
	}

	if cfg.Detection.CannyThreshold != 0.7 {
		t.Errorf("Default CannyThreshold = %f; want 0.7", cfg.Detection.CannyThreshold)
	}

	if cfg.Pyramid.TileSize != 512 {
		t.Errorf("Default Pyramid.TileSize = %d; want 512", cfg.Pyramid.TileSize)
	}

	if cfg.Pyramid.MaxFactor != 32 {
		t.Errorf("Default Pyramid.MaxFactor = %d; want 32", cfg.Pyramid.MaxFactor)
	}

	if len(cfg.Channels) == 0 {
		t.Error("Default Channels should not be empty")
	}

	if cfg.StageLimits["qupath-script"] != 1 {
		t.Errorf("Default qupath-script stage limit = %d; want 1", cfg.StageLimits["qupath-script"])
	}
}

// TestDefaultWorkDir verifies the work dir generation
func TestDefaultWorkDir(t *testing.T) {
	path := defaultWorkDir()

	if filepath.Base(path) != "histology" {
		t.Errorf("Default work dir should end with 'histology'; got %q", path)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		expectedPath := filepath.Join(home, "histology")
		if path != expectedPath {
			t.Errorf("Default work dir = %q; want %q", path, expectedPath)
		}
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	testConfig := Config{
		DBPath:  "/test/path/runs.db",
		WorkDir: "/test/data",
	}

	Set(testConfig)

	retrieved := Get()

	if retrieved.DBPath != testConfig.DBPath {
		t.Errorf("Get().DBPath = %q; want %q", retrieved.DBPath, testConfig.DBPath)
	}
	if retrieved.WorkDir != testConfig.WorkDir {
		t.Errorf("Get().WorkDir = %q; want %q", retrieved.WorkDir, testConfig.WorkDir)
	}
}

// TestDeepMergeJSON verifies nested objects survive a partial save
func TestDeepMergeJSON(t *testing.T) {
	dst := map[string]json.RawMessage{
		"qupath": json.RawMessage(`{"exePath":"/opt/QuPath/bin/QuPath","scriptPath":"old.groovy"}`),
		"workDir": json.RawMessage(`"/data"`),
	}
	src := map[string]json.RawMessage{
		"qupath": json.RawMessage(`{"scriptPath":"createPyramids.groovy"}`),
	}

	deepMergeJSON(dst, src)

	var merged struct {
		ExePath    string `json:"exePath"`
		ScriptPath string `json:"scriptPath"`
	}
	if err := json.Unmarshal(dst["qupath"], &merged); err != nil {
		t.Fatalf("merged qupath section is not valid JSON: %v", err)
	}
	if merged.ExePath != "/opt/QuPath/bin/QuPath" {
		t.Errorf("merge lost exePath; got %q", merged.ExePath)
	}
	if merged.ScriptPath != "createPyramids.groovy" {
		t.Errorf("merge did not apply scriptPath; got %q", merged.ScriptPath)
	}
	if string(dst["workDir"]) != `"/data"` {
		t.Errorf("merge clobbered unrelated key; got %s", dst["workDir"])
	}
}

// TestChannelJSONRoundTrip verifies channel colors keep their order
func TestChannelJSONRoundTrip(t *testing.T) {
	in := Channel{Name: "DsRed", Color: [3]uint8{224, 153, 18}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal channel: %v", err)
	}
	var out Channel
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal channel: %v", err)
	}
	if out.Name != in.Name || out.Color != in.Color {
		t.Errorf("round trip = %+v; want %+v", out, in)
	}
}
