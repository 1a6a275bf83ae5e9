package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mlardeux/histopipe/platform"
)

// Channel describes one acquisition channel: a display name and the RGB
// color it should carry in merged OME-TIFFs. Order matters and must match
// the channel order of the exported stacks.
type Channel struct {
	Name  string   `json:"name"`
	Color [3]uint8 `json:"color"`
}

// Detection holds the brain-mask detection parameters. CloseRadius is in
// microns; it is converted to pixels using each slice's pixel size.
type Detection struct {
	Background     uint16  `json:"background"`
	CannySigma     float64 `json:"cannySigma"`
	CannyThreshold float64 `json:"cannyThreshold"`
	CloseRadius    float64 `json:"closeRadius"`
	Downscale      int     `json:"downscale"`
}

// Pyramid holds pyramidal OME-TIFF writing parameters.
type Pyramid struct {
	TileSize    int    `json:"tileSize"`
	Factor      int    `json:"factor"`
	MaxFactor   int    `json:"maxFactor"`
	Compression string `json:"compression"` // "none" or "deflate"
}

// Config holds application configuration including database path, data
// layout, detection parameters and external tool locations.
type Config struct {
	DBPath string `json:"dbPath"`

	// Root data directory containing one folder per experiment
	WorkDir string `json:"workDir"`

	// Naming convention of exported files
	InputPrefix  string `json:"inputPrefix"`  // before the slice number, e.g. "_s"
	InputExt     string `json:"inputExt"`     // e.g. "ome.tiff"
	OutputDigits int    `json:"outputDigits"` // zero-padding of slice numbers

	Channels  []Channel `json:"channels"`
	Detection Detection `json:"detection"`
	Pyramid   Pyramid   `json:"pyramid"`

	// QuPath backend settings
	QuPath struct {
		ExePath    string `json:"exePath"`
		ScriptPath string `json:"scriptPath"`
	} `json:"qupath"`

	// Atlas used for outlines and animations (BrainGlobe naming)
	AtlasName string `json:"atlasName"`

	// ONNX pixel classifier settings
	Classifier struct {
		ModelPath            string `json:"modelPath"`
		ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
		InputName            string `json:"inputName"`
		OutputName           string `json:"outputName"`
		TileSize             int    `json:"tileSize"`
	} `json:"classifier"`

	// S3 publishing settings
	S3 struct {
		Bucket string `json:"bucket"`
		Prefix string `json:"prefix"`
		Region string `json:"region"`
	} `json:"s3"`

	// Per-stage concurrency caps for the runner pool; stages default to
	// command names, e.g. {"qupath-script": 1}
	StageLimits map[string]int `json:"stageLimits"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// defaultWorkDir returns the default data directory (~/histology).
func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "histology"
	}
	return filepath.Join(home, "histology")
}

// DefaultDBPath returns the default job ledger path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "runs.db")
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults. The
// detection defaults are tuned for ~1.6 um/px slide scans.
func defaultConfig() Config {
	c := Config{
		DBPath:       DefaultDBPath(),
		WorkDir:      defaultWorkDir(),
		InputPrefix:  "_s",
		InputExt:     "ome.tiff",
		OutputDigits: 3,
		Channels: []Channel{
			{Name: "CFP", Color: [3]uint8{0, 0, 255}},
			{Name: "EGFP", Color: [3]uint8{0, 255, 0}},
		},
		Detection: Detection{
			Background:     200,
			CannySigma:     1.4142135623730951, // sqrt(2)
			CannyThreshold: 0.7,
			CloseRadius:    90,
			Downscale:      5,
		},
		Pyramid: Pyramid{
			TileSize:    512,
			Factor:      2,
			MaxFactor:   32,
			Compression: "deflate",
		},
		AtlasName: "allen_mouse_25um",
		StageLimits: map[string]int{
			"pyramid":       1,
			"qupath-script": 1,
		},
	}
	c.Classifier.InputName = "input"
	c.Classifier.OutputName = "output"
	c.Classifier.TileSize = 512
	return c
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	// Ensure config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file doesn't exist - create it with defaults
			def := defaultConfig()

			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
			}

			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := defaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.WorkDir == "" {
		c.WorkDir = def.WorkDir
	}
	if c.InputPrefix == "" {
		c.InputPrefix = def.InputPrefix
	}
	if c.InputExt == "" {
		c.InputExt = def.InputExt
	}
	if c.OutputDigits == 0 {
		c.OutputDigits = def.OutputDigits
	}
	if c.Detection.CannySigma == 0 {
		c.Detection.CannySigma = def.Detection.CannySigma
	}
	if c.Detection.CannyThreshold == 0 {
		c.Detection.CannyThreshold = def.Detection.CannyThreshold
	}
	if c.Detection.CloseRadius == 0 {
		c.Detection.CloseRadius = def.Detection.CloseRadius
	}
	if c.Detection.Downscale == 0 {
		c.Detection.Downscale = def.Detection.Downscale
	}
	if c.Pyramid.TileSize == 0 {
		c.Pyramid.TileSize = def.Pyramid.TileSize
	}
	if c.Pyramid.Factor == 0 {
		c.Pyramid.Factor = def.Pyramid.Factor
	}
	if c.Pyramid.MaxFactor == 0 {
		c.Pyramid.MaxFactor = def.Pyramid.MaxFactor
	}
	if c.Pyramid.Compression == "" {
		c.Pyramid.Compression = def.Pyramid.Compression
	}
	if c.AtlasName == "" {
		c.AtlasName = def.AtlasName
	}
	if c.Classifier.InputName == "" {
		c.Classifier.InputName = def.Classifier.InputName
	}
	if c.Classifier.OutputName == "" {
		c.Classifier.OutputName = def.Classifier.OutputName
	}
	if c.Classifier.TileSize == 0 {
		c.Classifier.TileSize = def.Classifier.TileSize
	}
	if c.StageLimits == nil {
		c.StageLimits = def.StageLimits
	}

	// Ensure the database directory exists
	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
