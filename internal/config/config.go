package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// ProviderConfig describes how to reach one provider's API.
type ProviderConfig struct {
	// Endpoint is the API base URL (e.g. https://api.openai.com/v1).
	Endpoint string `json:"endpoint,omitempty"`

	// APIKeyEnv names the environment variable (or keys.env entry) holding the key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// CacheTTLHours is how long a probed capability entry stays fresh.
	CacheTTLHours int `json:"cache_ttl_hours"`

	// ProbeTimeoutSeconds bounds each probe attempt.
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds"`

	// ProbeMaxRetries is the number of alternate-variant retries per probe kind.
	// Negative values are clamped to 0; values above 2 are clamped to 2.
	ProbeMaxRetries *int `json:"probe_max_retries,omitempty"`

	// ProbeImageURL and ProbePDFURL optionally host the probe fixtures so
	// URL-referenced media variants can be tried. Inline base64 is used otherwise.
	ProbeImageURL string `json:"probe_image_url,omitempty"`
	ProbePDFURL   string `json:"probe_pdf_url,omitempty"`

	// PersistDebounceMS batches capability document writes after a burst of probes.
	PersistDebounceMS int `json:"persist_debounce_ms"`

	// CacheBackend selects where probed capabilities persist: "json" (default) or "sqlite".
	CacheBackend string `json:"cache_backend,omitempty"`

	// StaticTablePath is an optional YAML file merged over the built-in static table.
	StaticTablePath string `json:"static_table_path,omitempty"`

	// DefaultMaxTokens is used by assemble when the caller passes no budget.
	DefaultMaxTokens int `json:"default_max_tokens"`

	// Stage3TopKPages is how many pages a multi-page source keeps at degrade stage 3.
	Stage3TopKPages int `json:"stage3_top_k_pages"`

	// Providers maps provider names to endpoints and key variables.
	// Built-in defaults exist for openai, anthropic, gemini, groq, openrouter and ollama.
	Providers map[string]ProviderConfig `json:"providers,omitempty"`

	// DBMaxOpenConns limits open database connections. 1 serializes all access,
	// which avoids "database is locked" under heavy probe-history writes.
	// 0 keeps the sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits idle database connections. 0 keeps the sql.DB default.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty"`

	// LogFormat is "console" (default) or "json".
	LogFormat string `json:"log_format,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// AllowedPaths is an allowlist of directories for capability import/export.
	// Paths outside ~/.prism/exports require either being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	retries := 2
	return &Config{
		CacheTTLHours:       7 * 24,
		ProbeTimeoutSeconds: 15,
		ProbeMaxRetries:     &retries,
		PersistDebounceMS:   500,
		CacheBackend:        BackendJSON,
		DefaultMaxTokens:    8000,
		Stage3TopKPages:     5,
		Providers:           defaultProviders(),
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     {Endpoint: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		"anthropic":  {Endpoint: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY"},
		"gemini":     {Endpoint: "https://generativelanguage.googleapis.com/v1beta", APIKeyEnv: "GEMINI_API_KEY"},
		"groq":       {Endpoint: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY"},
		"openrouter": {Endpoint: "https://openrouter.ai/api/v1", APIKeyEnv: "OPENROUTER_API_KEY"},
		"ollama":     {Endpoint: "http://127.0.0.1:11434/v1"},
	}
}

// CacheTTL returns the probed-entry freshness window.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// ProbeTimeout returns the per-attempt probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// PersistDebounce returns the write batching window.
func (c *Config) PersistDebounce() time.Duration {
	return time.Duration(c.PersistDebounceMS) * time.Millisecond
}

// Retries returns the clamped retry budget.
func (c *Config) Retries() int {
	if c.ProbeMaxRetries == nil {
		return 2
	}
	n := *c.ProbeMaxRetries
	if n < 0 {
		return 0
	}
	if n > 2 {
		return 2
	}
	return n
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.prism.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.prism) and repo (.prism) directories.
// Repo config is found by walking upward from startDir to find the nearest .prism/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated),
// provider maps are merged per key.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .prism/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".prism", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.CacheTTLHours = pickInt(overlay.CacheTTLHours, base.CacheTTLHours)
	result.ProbeTimeoutSeconds = pickInt(overlay.ProbeTimeoutSeconds, base.ProbeTimeoutSeconds)
	result.PersistDebounceMS = pickInt(overlay.PersistDebounceMS, base.PersistDebounceMS)
	result.DefaultMaxTokens = pickInt(overlay.DefaultMaxTokens, base.DefaultMaxTokens)
	result.Stage3TopKPages = pickInt(overlay.Stage3TopKPages, base.Stage3TopKPages)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Pointer so an explicit 0 retries survives the merge.
	result.ProbeMaxRetries = overlay.ProbeMaxRetries
	if result.ProbeMaxRetries == nil {
		result.ProbeMaxRetries = base.ProbeMaxRetries
	}

	result.CacheBackend = pickString(overlay.CacheBackend, base.CacheBackend)
	result.StaticTablePath = pickString(overlay.StaticTablePath, base.StaticTablePath)
	result.ProbeImageURL = pickString(overlay.ProbeImageURL, base.ProbeImageURL)
	result.ProbePDFURL = pickString(overlay.ProbePDFURL, base.ProbePDFURL)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pickString(overlay.LogFormat, base.LogFormat)

	result.Providers = make(map[string]ProviderConfig, len(base.Providers)+len(overlay.Providers))
	for name, p := range base.Providers {
		result.Providers[normalizeProvider(name)] = p
	}
	for name, p := range overlay.Providers {
		name = normalizeProvider(name)
		prev := result.Providers[name]
		result.Providers[name] = ProviderConfig{
			Endpoint:  pickString(p.Endpoint, prev.Endpoint),
			APIKeyEnv: pickString(p.APIKeyEnv, prev.APIKeyEnv),
		}
	}

	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if s := strings.TrimSpace(overlay); s != "" {
		return s
	}
	return base
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// Credentials holds what a probe needs to reach a provider.
type Credentials struct {
	Endpoint string
	APIKey   string
}

// KeysFile is the dotenv-format keys document inside the base directory.
const KeysFile = "keys.env"

// ResolveCredentials returns the endpoint and API key for provider.
// The key is read from the environment first, then from baseDir/keys.env.
// A missing keys document is not an error.
func (c *Config) ResolveCredentials(baseDir, provider string) (Credentials, error) {
	provider = normalizeProvider(provider)
	p := c.Providers[provider]
	creds := Credentials{Endpoint: p.Endpoint}

	keyVar := p.APIKeyEnv
	if keyVar == "" {
		keyVar = strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}

	if v := strings.TrimSpace(os.Getenv(keyVar)); v != "" {
		creds.APIKey = v
		return creds, nil
	}

	if baseDir == "" {
		return creds, nil
	}
	keys, err := godotenv.Read(filepath.Join(baseDir, KeysFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return creds, nil
		}
		return creds, err
	}
	creds.APIKey = strings.TrimSpace(keys[keyVar])
	return creds, nil
}
