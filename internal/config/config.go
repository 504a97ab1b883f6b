package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/burstfuse/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the fusion pipeline.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Storage    Storage         `json:"storage"`
	Alignment  AlignmentConfig `json:"alignment"`
	Fusion     FusionConfig    `json:"fusion"`
	Server     Server          `json:"server"`
	Watch      Watch           `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // job queue workers
	AlignWorkers int    `json:"align_workers"` // 0 = one per CPU
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Storage picks the database/sql driver backing the job history.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// AlignmentConfig controls correspondence matching and robust estimation.
type AlignmentConfig struct {
	Matcher    string           `json:"matcher"` // blockmatch, csv, orb
	CSVDir     string           `json:"csv_dir"` // per-frame correspondence files for the csv matcher
	Filter     FilterConfig     `json:"filter"`
	RANSAC     RANSACConfig     `json:"ransac"`
	Border     string           `json:"border"` // constant, replicate
	BlockMatch BlockMatchConfig `json:"blockmatch"`
	ORB        ORBConfig        `json:"orb"`
}

// FilterConfig sizes the retained correspondence subset.
type FilterConfig struct {
	MinKeep      int     `json:"min_keep"`
	KeepFraction float64 `json:"keep_fraction"`
}

// RANSACConfig tunes the homography estimator.
type RANSACConfig struct {
	Iterations     int     `json:"iterations"`
	Threshold      float64 `json:"threshold"` // pixels
	MinInliers     int     `json:"min_inliers"`
	MinInlierRatio float64 `json:"min_inlier_ratio"`
	Seed           uint64  `json:"seed"`
}

// BlockMatchConfig tunes the native block matcher.
type BlockMatchConfig struct {
	Grid   int `json:"grid"`   // patches per axis
	Patch  int `json:"patch"`  // patch side in pixels
	Search int `json:"search"` // search radius in pixels
}

// ORBConfig tunes the OpenCV matcher.
type ORBConfig struct {
	Features int `json:"features"`
}

// FusionConfig controls the accumulator and the encoded outputs.
type FusionConfig struct {
	UpscaleFactor  int    `json:"upscale_factor"`
	Strategy       string `json:"strategy"` // partial, locked
	PreviewDivisor int    `json:"preview_divisor"`
	OutputFormat   string `json:"output_format"` // jpg, png, tiff
	Quality        int    `json:"quality"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
	// TLS for the gRPC listener; both empty serves plaintext.
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`
	// TLSCA is the CA bundle trusted by --remote clients.
	TLSCA string `json:"tls_ca,omitempty"`
}

// Watch configures the manifest inbox watcher.
type Watch struct {
	Dirs     []string `json:"dirs"`
	Debounce string   `json:"debounce"`
}

// DebounceDuration parses Debounce, defaulting to 500ms.
func (w Watch) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("BURSTFUSE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Fusion.UpscaleFactor < 1 {
		errs = append(errs, fmt.Errorf("fusion.upscale_factor must be >= 1, got %d", c.Fusion.UpscaleFactor))
	}
	switch c.Fusion.Strategy {
	case "", "partial", "locked":
	default:
		errs = append(errs, fmt.Errorf("fusion.strategy %q is not partial or locked", c.Fusion.Strategy))
	}
	switch c.Fusion.OutputFormat {
	case "", "jpg", "jpeg", "png", "tif", "tiff":
	default:
		errs = append(errs, fmt.Errorf("fusion.output_format %q is not supported", c.Fusion.OutputFormat))
	}
	switch c.Alignment.Border {
	case "", "constant", "replicate":
	default:
		errs = append(errs, fmt.Errorf("alignment.border %q is not constant or replicate", c.Alignment.Border))
	}
	if c.Alignment.RANSAC.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("alignment.ransac.iterations must be positive"))
	}
	if c.Alignment.RANSAC.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("alignment.ransac.threshold must be positive"))
	}
	if c.Alignment.Filter.KeepFraction < 0 || c.Alignment.Filter.KeepFraction > 1 {
		errs = append(errs, fmt.Errorf("alignment.filter.keep_fraction must be within [0, 1]"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, fmt.Errorf("server.tls_cert and server.tls_key must be set together"))
	}
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not sqlite or sqlite3", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "burstfuse.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Alignment: AlignmentConfig{
			Matcher: "blockmatch",
			Filter:  FilterConfig{MinKeep: 10, KeepFraction: 0.15},
			RANSAC: RANSACConfig{
				Iterations:     2000,
				Threshold:      5.0,
				MinInliers:     4,
				MinInlierRatio: 0.25,
				Seed:           1,
			},
			Border:     "constant",
			BlockMatch: BlockMatchConfig{Grid: 12, Patch: 15, Search: 24},
			ORB:        ORBConfig{Features: 500},
		},
		Fusion: FusionConfig{
			UpscaleFactor:  2,
			Strategy:       "partial",
			PreviewDivisor: 4,
			OutputFormat:   "jpg",
			Quality:        100,
		},
		Server: Server{HTTPAddr: ":8080", GRPCAddr: ":9090"},
		Watch:  Watch{Debounce: "500ms"},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
