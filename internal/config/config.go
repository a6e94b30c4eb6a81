package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigName is the per-project configuration file.
	ProjectConfigName = ".pdfrag.yaml"

	// DefaultDataDir is the data directory relative to the project root.
	DefaultDataDir = ".pdfrag"

	// EnvPrefix is the prefix for environment overrides (PDFRAG_*).
	EnvPrefix = "PDFRAG"
)

// Config represents the complete pdfrag configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// PathsConfig locates the extracted documents and the persisted corpus.
// Relative paths are resolved against the project root.
type PathsConfig struct {
	SourceDir string `yaml:"source_dir" json:"source_dir"`
	DataDir   string `yaml:"data_dir" json:"data_dir"`
}

// ChunkingConfig selects and tunes the chunking strategy.
type ChunkingConfig struct {
	// Strategy is one of token, sentence, recursive, semantic.
	Strategy string `yaml:"strategy" json:"strategy"`

	// ChunkSize is the bound in tokens for token, sentence and recursive.
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`

	// OverlapSentences trailing sentences are repeated in the next sentence chunk.
	OverlapSentences int `yaml:"overlap_sentences" json:"overlap_sentences"`

	// MinChunkChars drops fragments shorter than this (0 keeps everything).
	MinChunkChars int `yaml:"min_chunk_chars" json:"min_chunk_chars"`

	// Semantic strategy settings
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxChunkChars       int     `yaml:"max_chunk_chars" json:"max_chunk_chars"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider    string        `yaml:"provider" json:"provider"`
	Model       string        `yaml:"model" json:"model"`
	BatchSize   int           `yaml:"batch_size" json:"batch_size"`
	Parallelism int           `yaml:"parallelism" json:"parallelism"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`

	// RequestsPerSecond caps calls to remote providers (0 = unlimited).
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	OllamaHost string `yaml:"ollama_host" json:"ollama_host"` // default http://localhost:11434
	BaseURL    string `yaml:"base_url" json:"base_url"`       // override for voyage/openai endpoints

	// Credentials are only read from the environment.
	Credentials Credentials `yaml:"-" json:"-"`
}

// Credentials holds provider API keys.
type Credentials struct {
	VoyageAPIKey string
	OpenAIAPIKey string
	GeminiAPIKey string
}

// SearchConfig configures retrieval defaults.
type SearchConfig struct {
	DefaultK int `yaml:"default_k" json:"default_k"`

	// KeywordWeight blends keyword overlap into vector similarity (0 = pure vector).
	KeywordWeight float64 `yaml:"keyword_weight" json:"keyword_weight"`

	QueryCacheSize int `yaml:"query_cache_size" json:"query_cache_size"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`

	// Watch reloads the corpus snapshot when another process commits.
	Watch bool `yaml:"watch" json:"watch"`
}

var (
	validStrategies = []string{"token", "sentence", "recursive", "semantic"}
	validProviders  = []string{"voyage", "openai", "gemini", "ollama", "static"}
)

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	parallelism := runtime.NumCPU()
	if parallelism > 4 {
		parallelism = 4
	}
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			SourceDir: "extracted",
			DataDir:   DefaultDataDir,
		},
		Chunking: ChunkingConfig{
			Strategy:            "recursive",
			ChunkSize:           256,
			ChunkOverlap:        32,
			OverlapSentences:    1,
			MinChunkChars:       0,
			SimilarityThreshold: 0.5,
			MaxChunkChars:       1000,
		},
		Embeddings: EmbeddingsConfig{
			Provider:          "static", // Offline default; remote providers need credentials
			Model:             "",       // Empty uses the provider default
			BatchSize:         32,
			Parallelism:       parallelism,
			Timeout:           60 * time.Second,
			MaxRetries:        5,
			RequestsPerSecond: 5,
		},
		Search: SearchConfig{
			DefaultK:       5,
			KeywordWeight:  0,
			QueryCacheSize: 1000,
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
			Watch:     true,
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/pdfrag/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/pdfrag/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pdfrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "pdfrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "pdfrag", "config.yaml")
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	var parsed Config
	if err := readYAML(configPath, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Load loads configuration for the project rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/pdfrag/config.yaml)
//  3. Project config (.pdfrag.yaml in project root)
//  4. .env in the project root, then environment variables (PDFRAG_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	// Existing environment variables win over .env entries.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads .pdfrag.yaml (or .pdfrag.yml) from dir if present.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{ProjectConfigName, ".pdfrag.yml"} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		var parsed Config
		if err := readYAML(path, &parsed); err != nil {
			return err
		}
		c.mergeWith(&parsed)
		return nil
	}
	return nil
}

func readYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Paths
	if other.Paths.SourceDir != "" {
		c.Paths.SourceDir = other.Paths.SourceDir
	}
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	// Chunking
	if other.Chunking.Strategy != "" {
		c.Chunking.Strategy = other.Chunking.Strategy
	}
	if other.Chunking.ChunkSize != 0 {
		c.Chunking.ChunkSize = other.Chunking.ChunkSize
	}
	if other.Chunking.ChunkOverlap != 0 {
		c.Chunking.ChunkOverlap = other.Chunking.ChunkOverlap
	}
	if other.Chunking.OverlapSentences != 0 {
		c.Chunking.OverlapSentences = other.Chunking.OverlapSentences
	}
	if other.Chunking.MinChunkChars != 0 {
		c.Chunking.MinChunkChars = other.Chunking.MinChunkChars
	}
	if other.Chunking.SimilarityThreshold != 0 {
		c.Chunking.SimilarityThreshold = other.Chunking.SimilarityThreshold
	}
	if other.Chunking.MaxChunkChars != 0 {
		c.Chunking.MaxChunkChars = other.Chunking.MaxChunkChars
	}

	// Embeddings
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.Parallelism != 0 {
		c.Embeddings.Parallelism = other.Embeddings.Parallelism
	}
	if other.Embeddings.Timeout != 0 {
		c.Embeddings.Timeout = other.Embeddings.Timeout
	}
	if other.Embeddings.MaxRetries != 0 {
		c.Embeddings.MaxRetries = other.Embeddings.MaxRetries
	}
	if other.Embeddings.RequestsPerSecond != 0 {
		c.Embeddings.RequestsPerSecond = other.Embeddings.RequestsPerSecond
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.BaseURL != "" {
		c.Embeddings.BaseURL = other.Embeddings.BaseURL
	}

	// Search
	if other.Search.DefaultK != 0 {
		c.Search.DefaultK = other.Search.DefaultK
	}
	if other.Search.KeywordWeight != 0 {
		c.Search.KeywordWeight = other.Search.KeywordWeight
	}
	if other.Search.QueryCacheSize != 0 {
		c.Search.QueryCacheSize = other.Search.QueryCacheSize
	}

	// Server
	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	// Watch is a bool that defaults to true; a file can only switch it off
	// through the environment (PDFRAG_WATCH=false).
}

// envOverrides is decoded by envconfig with the PDFRAG prefix.
// Fields with an explicit envconfig tag also fall back to the unprefixed
// name, so VOYAGE_API_KEY works as well as PDFRAG_VOYAGE_API_KEY.
type envOverrides struct {
	EmbeddingsProvider string   `split_words:"true"`
	EmbeddingsModel    string   `split_words:"true"`
	BatchSize          *int     `split_words:"true"`
	Parallelism        *int     `split_words:"true"`
	MaxRetries         *int     `split_words:"true"`
	ChunkStrategy      string   `split_words:"true"`
	ChunkSize          *int     `split_words:"true"`
	ChunkOverlap       *int     `split_words:"true"`
	KeywordWeight      *float64 `split_words:"true"`
	SourceDir          string   `split_words:"true"`
	DataDir            string   `split_words:"true"`
	LogLevel           string   `split_words:"true"`
	Transport          string
	Watch              *bool

	OllamaHost   string `envconfig:"OLLAMA_HOST"`
	VoyageAPIKey string `envconfig:"VOYAGE_API_KEY"`
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
}

// applyEnvOverrides applies PDFRAG_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.EmbeddingsProvider != "" {
		c.Embeddings.Provider = env.EmbeddingsProvider
	}
	if env.EmbeddingsModel != "" {
		c.Embeddings.Model = env.EmbeddingsModel
	}
	if env.BatchSize != nil {
		c.Embeddings.BatchSize = *env.BatchSize
	}
	if env.Parallelism != nil {
		c.Embeddings.Parallelism = *env.Parallelism
	}
	if env.MaxRetries != nil {
		c.Embeddings.MaxRetries = *env.MaxRetries
	}
	if env.ChunkStrategy != "" {
		c.Chunking.Strategy = env.ChunkStrategy
	}
	if env.ChunkSize != nil {
		c.Chunking.ChunkSize = *env.ChunkSize
	}
	if env.ChunkOverlap != nil {
		c.Chunking.ChunkOverlap = *env.ChunkOverlap
	}
	// Explicit zero is allowed here, unlike in YAML merging.
	if env.KeywordWeight != nil {
		c.Search.KeywordWeight = *env.KeywordWeight
	}
	if env.SourceDir != "" {
		c.Paths.SourceDir = env.SourceDir
	}
	if env.DataDir != "" {
		c.Paths.DataDir = env.DataDir
	}
	if env.LogLevel != "" {
		c.Server.LogLevel = env.LogLevel
	}
	if env.Transport != "" {
		c.Server.Transport = env.Transport
	}
	if env.Watch != nil {
		c.Server.Watch = *env.Watch
	}
	if env.OllamaHost != "" {
		c.Embeddings.OllamaHost = env.OllamaHost
	}

	c.Embeddings.Credentials = Credentials{
		VoyageAPIKey: env.VoyageAPIKey,
		OpenAIAPIKey: env.OpenAIAPIKey,
		GeminiAPIKey: env.GeminiAPIKey,
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if !contains(validStrategies, strings.ToLower(c.Chunking.Strategy)) {
		return fmt.Errorf("chunking.strategy must be one of %s, got %q",
			strings.Join(validStrategies, ", "), c.Chunking.Strategy)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}
	if c.Chunking.OverlapSentences < 0 {
		return fmt.Errorf("chunking.overlap_sentences must be non-negative, got %d", c.Chunking.OverlapSentences)
	}
	if c.Chunking.SimilarityThreshold < -1 || c.Chunking.SimilarityThreshold > 1 {
		return fmt.Errorf("chunking.similarity_threshold must be between -1 and 1, got %f", c.Chunking.SimilarityThreshold)
	}
	if c.Chunking.MaxChunkChars <= 0 {
		return fmt.Errorf("chunking.max_chunk_chars must be positive, got %d", c.Chunking.MaxChunkChars)
	}

	if !contains(validProviders, strings.ToLower(c.Embeddings.Provider)) {
		return fmt.Errorf("embeddings.provider must be one of %s, got %q",
			strings.Join(validProviders, ", "), c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.Parallelism <= 0 {
		return fmt.Errorf("embeddings.parallelism must be positive, got %d", c.Embeddings.Parallelism)
	}
	if c.Embeddings.MaxRetries < 0 {
		return fmt.Errorf("embeddings.max_retries must be non-negative, got %d", c.Embeddings.MaxRetries)
	}
	if c.Embeddings.Timeout <= 0 {
		return fmt.Errorf("embeddings.timeout must be positive, got %s", c.Embeddings.Timeout)
	}

	if c.Search.DefaultK <= 0 {
		return fmt.Errorf("search.default_k must be positive, got %d", c.Search.DefaultK)
	}
	if c.Search.KeywordWeight < 0 || c.Search.KeywordWeight > 1 {
		return fmt.Errorf("search.keyword_weight must be between 0 and 1, got %f", c.Search.KeywordWeight)
	}

	if strings.ToLower(c.Server.Transport) != "stdio" {
		return fmt.Errorf("server.transport must be 'stdio', got %s", c.Server.Transport)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// ResolveDataDir returns the absolute data directory for a project root.
func (c *Config) ResolveDataDir(root string) string {
	return resolve(root, c.Paths.DataDir)
}

// ResolveSourceDir returns the absolute extracted-documents directory.
func (c *Config) ResolveSourceDir(root string) string {
	return resolve(root, c.Paths.SourceDir)
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FindProjectRoot finds the project root directory.
// It walks up looking for .pdfrag.yaml, a .pdfrag data directory or .git.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if fileExists(filepath.Join(currentDir, ProjectConfigName)) ||
			fileExists(filepath.Join(currentDir, ".pdfrag.yml")) ||
			dirExists(filepath.Join(currentDir, DefaultDataDir)) ||
			dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
