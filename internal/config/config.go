package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultCatalogBase     = "https://artifactory.expresslrs.org"
	DefaultFamily          = "ExpressLRS"
	DefaultBuildURL        = "https://build.expresslrs.org"
	DefaultBaudRate        = 420000
	DefaultPassthroughBaud = 420000
	DefaultFlashBaudRate   = 460800
	DefaultPollInterval    = "5s"
	DefaultBuildTimeout    = "2m"
	DefaultCacheSize       = 16
	DefaultLogLevel        = "info"

	// DirName is the per-project directory holding config, history and logs.
	DirName = ".elrsflash"

	envPrefix = "ELRSFLASH_"
)

// Config holds all elrsflash configuration.
type Config struct {
	CatalogBase     string `json:"catalog_base,omitempty"`
	Family          string `json:"family,omitempty"`
	BuildURL        string `json:"build_url,omitempty"`
	SerialPort      string `json:"serial_port,omitempty"`
	SerialBaudRate  int    `json:"serial_baud_rate,omitempty"`
	PassthroughBaud int    `json:"passthrough_baud_rate,omitempty"`
	FlashBaudRate   int    `json:"flash_baud_rate,omitempty"`
	StubDir         string `json:"stub_dir,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	BuildTimeout    string `json:"build_timeout,omitempty"`
	CacheSize       int    `json:"cache_size,omitempty"`
	LogLevel        string `json:"log_level,omitempty"`
	LastClass       string `json:"last_class,omitempty"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		CatalogBase:     DefaultCatalogBase,
		Family:          DefaultFamily,
		BuildURL:        DefaultBuildURL,
		SerialBaudRate:  DefaultBaudRate,
		PassthroughBaud: DefaultPassthroughBaud,
		FlashBaudRate:   DefaultFlashBaudRate,
		PollInterval:    DefaultPollInterval,
		BuildTimeout:    DefaultBuildTimeout,
		CacheSize:       DefaultCacheSize,
		LogLevel:        DefaultLogLevel,
	}
}

// Poll returns the build poll interval, falling back to the default when the
// configured value does not parse.
func (c Config) Poll() time.Duration {
	return parseDuration(c.PollInterval, DefaultPollInterval)
}

// Timeout returns the build timeout used until the service supplies one.
func (c Config) Timeout() time.Duration {
	return parseDuration(c.BuildTimeout, DefaultBuildTimeout)
}

func parseDuration(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// DataDir returns the project data directory under root.
func DataDir(root string) string {
	return filepath.Join(root, DirName)
}

// Load reads and merges global and project configs, then applies
// environment overrides.
// Order: defaults → global (~/.config/elrsflash/config.json) → project
// (.elrsflash/config.json) → .env / ELRSFLASH_* variables.
func Load(root string) Config {
	cfg := Defaults()

	// Global config
	if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".config", "elrsflash", "config.json")
		mergeFromFile(&cfg, globalPath)
	}

	// Project config
	if root != "" {
		mergeFromFile(&cfg, filepath.Join(DataDir(root), "config.json"))
		// Missing .env is normal; real environment variables still apply.
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}

	mergeFromEnv(&cfg)
	return cfg
}

// Save writes the config to the project .elrsflash/config.json by default,
// or to the global config if global is true.
func Save(cfg Config, root string, global bool) error {
	var dir string
	if global {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".config", "elrsflash")
	} else {
		dir = DataDir(root)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}

func mergeFromFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return
	}
	merge(cfg, fileCfg)
}

func mergeFromEnv(cfg *Config) {
	str := func(name string) string { return os.Getenv(envPrefix + name) }
	num := func(name string) int {
		n, _ := strconv.Atoi(str(name))
		return n
	}
	merge(cfg, Config{
		CatalogBase:     str("CATALOG_BASE"),
		Family:          str("FAMILY"),
		BuildURL:        str("BUILD_URL"),
		SerialPort:      str("SERIAL_PORT"),
		SerialBaudRate:  num("BAUD"),
		PassthroughBaud: num("PASSTHROUGH_BAUD"),
		FlashBaudRate:   num("FLASH_BAUD"),
		StubDir:         str("STUB_DIR"),
		PollInterval:    str("POLL_INTERVAL"),
		BuildTimeout:    str("BUILD_TIMEOUT"),
		CacheSize:       num("CACHE_SIZE"),
		LogLevel:        str("LOG_LEVEL"),
	})
}

// merge copies every set field of src over cfg.
func merge(cfg *Config, src Config) {
	if src.CatalogBase != "" {
		cfg.CatalogBase = src.CatalogBase
	}
	if src.Family != "" {
		cfg.Family = src.Family
	}
	if src.BuildURL != "" {
		cfg.BuildURL = src.BuildURL
	}
	if src.SerialPort != "" {
		cfg.SerialPort = src.SerialPort
	}
	if src.SerialBaudRate != 0 {
		cfg.SerialBaudRate = src.SerialBaudRate
	}
	if src.PassthroughBaud != 0 {
		cfg.PassthroughBaud = src.PassthroughBaud
	}
	if src.FlashBaudRate != 0 {
		cfg.FlashBaudRate = src.FlashBaudRate
	}
	if src.StubDir != "" {
		cfg.StubDir = src.StubDir
	}
	if src.PollInterval != "" {
		cfg.PollInterval = src.PollInterval
	}
	if src.BuildTimeout != "" {
		cfg.BuildTimeout = src.BuildTimeout
	}
	if src.CacheSize != 0 {
		cfg.CacheSize = src.CacheSize
	}
	if src.LogLevel != "" {
		cfg.LogLevel = src.LogLevel
	}
	if src.LastClass != "" {
		cfg.LastClass = src.LastClass
	}
}

// FindRoot walks up from startDir looking for an existing .elrsflash
// directory and returns the directory holding it. When none is found the
// absolute startDir is the root.
func FindRoot(startDir string) (string, error) {
	start, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for dir := start; ; {
		if info, err := os.Stat(DataDir(dir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start, nil
		}
		dir = parent
	}
}
