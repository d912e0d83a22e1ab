package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath    string          `toml:"dbPath"`
	LogConfig LogConfig       `toml:"logConfig"`
	Server    ServerConfig    `toml:"server"`
	Provider  ProviderConfig  `toml:"provider"`
	Limits    map[string]LimitConfig `toml:"limits"`
	Costs     CostConfig      `toml:"costs"`
	Polling   PollingConfig   `toml:"polling"`
	Artifacts ArtifactConfig  `toml:"artifacts"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Auth      AuthConfig      `toml:"auth"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type ServerConfig struct {
	ListenAddr    string `toml:"listenAddr"`
	PublicBaseURL string `toml:"publicBaseURL"`
}

type ProviderConfig struct {
	APIKey    string                  `toml:"apiKey"`
	Endpoints map[string]string       `toml:"endpoints"` // generation kind -> create endpoint
}

// LimitConfig configures one rate limiter class (image/video/poll).
type LimitConfig struct {
	Capacity      int `toml:"capacity"`      // tokens per refill period
	PeriodSeconds int `toml:"periodSeconds"` // refill period
	MaxConcurrent int `toml:"maxConcurrent"` // in-flight cap
	MaxRetries    int `toml:"maxRetries"`    // 429/5xx retry budget
}

type CostConfig struct {
	TextToImage  int64 `toml:"textToImage"`
	ImageToImage int64 `toml:"imageToImage"`
	Upscale      int64 `toml:"upscale"`
	Video        int64 `toml:"video"`
}

type PollingConfig struct {
	MaxAttempts       int `toml:"maxAttempts"`
	IntervalSeconds   int `toml:"intervalSeconds"`
	VideoMaxAttempts  int `toml:"videoMaxAttempts"`
	VideoIntervalSecs int `toml:"videoIntervalSeconds"`
}

type ArtifactConfig struct {
	RootDir          string `toml:"rootDir"`
	SigningKey       string `toml:"signingKey"`
	SignedURLTTLSecs int    `toml:"signedURLTTLSeconds"`
	MaxDownloadBytes int64  `toml:"maxDownloadBytes"`
	DownloadTimeout  int    `toml:"downloadTimeoutSeconds"`
}

type SweeperConfig struct {
	Schedule string `toml:"schedule"` // cron spec, e.g. "0 3 * * *"
}

type AuthConfig struct {
	AuthorizedUserIDs []int64 `toml:"authorizedUserIDs"`
	AdminUserIDs      []int64 `toml:"adminUserIDs"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Limits == nil {
		cfg.Limits = map[string]LimitConfig{}
	}
	defaults := map[string]LimitConfig{
		"image": {Capacity: 450, PeriodSeconds: 60, MaxConcurrent: 200, MaxRetries: 5},
		"video": {Capacity: 55, PeriodSeconds: 60, MaxConcurrent: 100, MaxRetries: 5},
		"poll":  {Capacity: 1000, PeriodSeconds: 60, MaxConcurrent: 200, MaxRetries: 3},
	}
	for class, def := range defaults {
		if _, ok := cfg.Limits[class]; !ok {
			cfg.Limits[class] = def
		}
	}
	if cfg.Polling.MaxAttempts == 0 {
		cfg.Polling.MaxAttempts = 40
	}
	if cfg.Polling.IntervalSeconds == 0 {
		cfg.Polling.IntervalSeconds = 5
	}
	if cfg.Polling.VideoMaxAttempts == 0 {
		cfg.Polling.VideoMaxAttempts = 120
	}
	if cfg.Polling.VideoIntervalSecs == 0 {
		cfg.Polling.VideoIntervalSecs = 10
	}
	if cfg.Artifacts.SignedURLTTLSecs == 0 {
		cfg.Artifacts.SignedURLTTLSecs = 24 * 3600
	}
	if cfg.Artifacts.MaxDownloadBytes == 0 {
		cfg.Artifacts.MaxDownloadBytes = 64 << 20
	}
	if cfg.Artifacts.DownloadTimeout == 0 {
		cfg.Artifacts.DownloadTimeout = 120
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "0 3 * * *"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	if _, err := url.Parse(urlString); err != nil {
		return false
	}
	return true
}

func MaskedPrint(str string) string {
	if len(str) <= 4 {
		return "****"
	}
	// only show the last 4 characters
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tDBPath: %s\n", cfg.DBPath)
	fmt.Printf("\tLogConfig: %v\n", cfg.LogConfig)
	fmt.Printf("\tServer: %v\n", cfg.Server)
	fmt.Printf("\tProviderAPIKey: %s\n", MaskedPrint(cfg.Provider.APIKey))
	fmt.Printf("\tProviderEndpoints: %v\n", cfg.Provider.Endpoints)
	fmt.Printf("\tLimits: %v\n", cfg.Limits)
	fmt.Printf("\tCosts: %v\n", cfg.Costs)
	fmt.Printf("\tPolling: %v\n", cfg.Polling)
	fmt.Printf("\tArtifactRootDir: %s\n", cfg.Artifacts.RootDir)
	fmt.Printf("\tArtifactSigningKey: %s\n", MaskedPrint(cfg.Artifacts.SigningKey))
	fmt.Printf("\tSweeper: %v\n", cfg.Sweeper)
	fmt.Println("--------------------------------")
	fmt.Println()
}

// ValidateConfig fails fast on missing provider credentials or endpoints so
// misconfiguration never surfaces as a mid-generation error.
func ValidateConfig(cfg *Config) error {
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("provider apiKey is required")
	}
	if len(cfg.Provider.Endpoints) == 0 {
		return fmt.Errorf("at least one provider endpoint is required")
	}
	for kind, endpoint := range cfg.Provider.Endpoints {
		if !ValidateURL(endpoint) {
			return fmt.Errorf("provider endpoint for %q must be a valid URL", kind)
		}
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	if cfg.LogConfig.Level == "" {
		return fmt.Errorf("logLevel is required")
	}
	if cfg.LogConfig.Format == "" {
		return fmt.Errorf("logFormat is required")
	}
	if cfg.Costs.TextToImage <= 0 || cfg.Costs.ImageToImage <= 0 || cfg.Costs.Upscale <= 0 || cfg.Costs.Video <= 0 {
		return fmt.Errorf("all generation costs must be greater than 0")
	}
	for class, lim := range cfg.Limits {
		if lim.Capacity <= 0 || lim.PeriodSeconds <= 0 {
			return fmt.Errorf("limit class %q must have positive capacity and period", class)
		}
		if lim.MaxConcurrent <= 0 {
			return fmt.Errorf("limit class %q must have a positive concurrency cap", class)
		}
	}
	if cfg.Artifacts.RootDir == "" {
		return fmt.Errorf("artifacts rootDir is required")
	}
	if cfg.Artifacts.SigningKey == "" {
		return fmt.Errorf("artifacts signingKey is required")
	}
	if cfg.Server.PublicBaseURL == "" || !ValidateURL(cfg.Server.PublicBaseURL) {
		return fmt.Errorf("server publicBaseURL is required and must be a valid URL")
	}
	return nil
}
