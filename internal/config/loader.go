package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"isotope/internal/common/fsutil"
	"isotope/internal/engine"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir      string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	DBPath       string `json:"db_path" yaml:"db_path" toml:"db_path"`
	SettingsPath string `json:"settings_path" yaml:"settings_path" toml:"settings_path"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`

	HubCacheDir string `json:"hub_cache_dir" yaml:"hub_cache_dir" toml:"hub_cache_dir"`
	HubEndpoint string `json:"hub_endpoint" yaml:"hub_endpoint" toml:"hub_endpoint"`
	HubRevision string `json:"hub_revision" yaml:"hub_revision" toml:"hub_revision"`
	// HFToken is normally supplied out of process (HF_TOKEN) and never written to files.
	HFToken string `json:"-" yaml:"-" toml:"-"`

	SystemPrompt string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	StreamBuffer int    `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`
	LlamaCtx     int    `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads int    `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile   string `json:"log_file" yaml:"log_file" toml:"log_file"`
	TraceFile string `json:"trace_file" yaml:"trace_file" toml:"trace_file"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Defaults applied by WithDefaults.
const (
	DefaultAddr         = "127.0.0.1:8080"
	DefaultDataDir      = "~/.isotope"
	DefaultHubEndpoint  = "https://huggingface.co"
	DefaultHubRevision  = "main"
	DefaultSystemPrompt = engine.DefaultSystemPrompt
	DefaultStreamBuffer = 256
	DefaultMaxOpenConns = 4
	DefaultLlamaCtx     = 2048
	DefaultLlamaThreads = 4
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := Unmarshal(filepath.Ext(path), b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Unmarshal decodes b into v using the format implied by the file extension ext.
func Unmarshal(ext string, b []byte, v any) error {
	switch ext = strings.ToLower(ext); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, v)
	case ".json":
		return json.Unmarshal(b, v)
	case ".toml":
		return toml.Unmarshal(b, v)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

// Marshal encodes v using the format implied by the file extension ext.
func Marshal(ext string, v any) ([]byte, error) {
	switch ext = strings.ToLower(ext); ext {
	case ".yaml", ".yml":
		return yaml.Marshal(v)
	case ".json":
		return json.MarshalIndent(v, "", "  ")
	case ".toml":
		return toml.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing files
// are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if !fsutil.PathExists(p) {
			continue
		}
		if err := gotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays ISOTOPE_* variables and HF_TOKEN onto cfg.
func (c Config) ApplyEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("ISOTOPE_ADDR", &c.Addr)
	str("ISOTOPE_DATA_DIR", &c.DataDir)
	str("ISOTOPE_DB_PATH", &c.DBPath)
	str("ISOTOPE_SETTINGS_PATH", &c.SettingsPath)
	str("ISOTOPE_HUB_CACHE_DIR", &c.HubCacheDir)
	str("ISOTOPE_HUB_ENDPOINT", &c.HubEndpoint)
	str("ISOTOPE_LOG_LEVEL", &c.LogLevel)
	str("ISOTOPE_LOG_FILE", &c.LogFile)
	str("ISOTOPE_TRACE_FILE", &c.TraceFile)
	str("HF_TOKEN", &c.HFToken)
	num("ISOTOPE_STREAM_BUFFER", &c.StreamBuffer)
	num("ISOTOPE_LLAMA_THREADS", &c.LlamaThreads)
	return c
}

// WithDefaults fills unspecified fields and expands '~' in paths.
func (c Config) WithDefaults() (Config, error) {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := fsutil.ExpandHome(c.DataDir)
	if err != nil {
		return c, err
	}
	c.DataDir = dataDir
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "database.db")
	}
	if c.SettingsPath == "" {
		c.SettingsPath = filepath.Join(c.DataDir, "settings.json")
	}
	if c.HubCacheDir == "" {
		c.HubCacheDir = filepath.Join(c.DataDir, "hub")
	}
	for _, p := range []*string{&c.DBPath, &c.SettingsPath, &c.HubCacheDir, &c.LogFile, &c.TraceFile} {
		if *p, err = fsutil.ExpandHome(*p); err != nil {
			return c, err
		}
	}
	if c.HubEndpoint == "" {
		c.HubEndpoint = DefaultHubEndpoint
	}
	if c.HubRevision == "" {
		c.HubRevision = DefaultHubRevision
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.LlamaCtx <= 0 {
		c.LlamaCtx = DefaultLlamaCtx
	}
	if c.LlamaThreads <= 0 {
		c.LlamaThreads = DefaultLlamaThreads
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c, nil
}
