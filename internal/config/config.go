package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	OpenWeatherAppID       string
	WeatherAPIURL          string
	WeatherAPITimeout      time.Duration // 0 = no client timeout
	ValidateAppIDOnStartup bool

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"
	CacheCoalesce  bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	DefaultCity       string
	HumidityThreshold float64
	Timezone          string // "", "Local", "city" or an IANA name

	WarmCities   []string
	WarmInterval time.Duration // 0 = warm once at startup

	AdminEnabled bool

	TrackedCities []string
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL               string `yaml:"url"`
		Timeout           string `yaml:"timeout"`
		ValidateOnStartup bool   `yaml:"validate_on_startup"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Coalesce  bool   `yaml:"coalesce"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warming struct {
			Cities   []string `yaml:"cities"`
			Interval string   `yaml:"interval"`
		} `yaml:"warming"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Prediction struct {
		DefaultCity       string   `yaml:"default_city"`
		HumidityThreshold *float64 `yaml:"humidity_threshold"`
		Timezone          string   `yaml:"timezone"`
	} `yaml:"prediction"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"admin"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	OpenWeatherAppID string `yaml:"open_weather_app_id"`
}

const (
	DefaultCity              = "Ribeirao Preto"
	DefaultHumidityThreshold = 70.0
	DefaultCacheTTL          = 600 * time.Second
)

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The app id comes from OPEN_WEATHER_API_APP_ID env or the secrets file. Call from project root.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from path, or from config/{ENV_NAME}.yaml under the working
// directory when path is empty. secrets.yaml is looked up next to the config file.
func LoadFrom(path string) (*Config, error) {
	if path == "" {
		env := os.Getenv("ENV_NAME")
		if env == "" {
			env = "dev"
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: get working directory: %w", err)
		}
		path = filepath.Join(cwd, "config", env+".yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = strings.TrimSpace(os.Getenv("PORT"))
	if cfg.ServerPort == "" {
		cfg.ServerPort = fc.Server.Port
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.OpenWeatherAppID = os.Getenv("OPEN_WEATHER_API_APP_ID")
	if cfg.OpenWeatherAppID == "" {
		appID, err := loadAppIDFromSecrets(filepath.Join(filepath.Dir(path), "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.OpenWeatherAppID = appID
	}
	if cfg.OpenWeatherAppID == "" {
		return nil, fmt.Errorf("OPEN_WEATHER_API_APP_ID required (set env or config/secrets.yaml open_weather_app_id)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 0)
	cfg.ValidateAppIDOnStartup = fc.WeatherAPI.ValidateOnStartup

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, DefaultCacheTTL)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheCoalesce = fc.Cache.Coalesce
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.WarmCities = fc.Cache.Warming.Cities
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warming.Interval, 0)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DefaultCity = strings.TrimSpace(fc.Prediction.DefaultCity)
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = DefaultCity
	}
	cfg.HumidityThreshold = DefaultHumidityThreshold
	if fc.Prediction.HumidityThreshold != nil {
		cfg.HumidityThreshold = *fc.Prediction.HumidityThreshold
	}
	cfg.Timezone = strings.TrimSpace(fc.Prediction.Timezone)

	cfg.AdminEnabled = fc.Admin.Enabled
	cfg.TrackedCities = fc.Metrics.TrackedCities

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAppIDFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.OpenWeatherAppID), nil
}

// PredictorLocation resolves Timezone. cityTZ is true when days should be named in the
// forecast city's own offset, in which case loc is nil.
func (c *Config) PredictorLocation() (loc *time.Location, cityTZ bool, err error) {
	switch strings.ToLower(c.Timezone) {
	case "", "local":
		return time.Local, false, nil
	case "city":
		return nil, true, nil
	}
	loc, err = time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, false, fmt.Errorf("prediction.timezone %q: %w", c.Timezone, err)
	}
	return loc, false, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above WeatherAPITimeout when a client timeout is set.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout < 0 {
		return fmt.Errorf("weather_api.timeout must not be negative")
	}
	if cfg.WeatherAPITimeout > 0 && cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warming.interval must not be negative")
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if math.IsNaN(cfg.HumidityThreshold) || cfg.HumidityThreshold < 0 || cfg.HumidityThreshold > 100 {
		return fmt.Errorf("prediction.humidity_threshold must be between 0 and 100, got %v", cfg.HumidityThreshold)
	}
	if _, _, err := cfg.PredictorLocation(); err != nil {
		return err
	}
	return nil
}
