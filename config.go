package main

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

func StringEnv(key string, def string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return value
}

func IntEnv(key string, def int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func DurationEnv(key string, def time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

type Config struct {
	Store struct {
		URL string `toml:"url"`
	} `toml:"store"`
	Cache struct {
		Root string `toml:"root"`
	} `toml:"cache"`
	Credentials struct {
		Token string `toml:"token"`
	} `toml:"credentials"`
	Transfer struct {
		Retries      int      `toml:"retries"`
		FileTimeout  duration `toml:"file_timeout"`
		InitialDelay duration `toml:"initial_delay"`
		MaxDelay     duration `toml:"max_delay"`
		Multiplier   float64  `toml:"multiplier"`
		Jitter       bool     `toml:"jitter"`
	} `toml:"transfer"`
	Run struct {
		Output  string   `toml:"output"`
		Timeout duration `toml:"timeout"`
	} `toml:"run"`
	Results struct {
		Database string `toml:"database"`
		OrgName  string `toml:"org"`
		ApiToken string `toml:"api_token"`
	} `toml:"results"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.Store.URL = "https://datasets.sciml.ac.uk"
	cfg.Cache.Root = "data"
	cfg.Transfer.Retries = 3
	cfg.Transfer.FileTimeout = duration(10 * time.Minute)
	cfg.Transfer.InitialDelay = duration(500 * time.Millisecond)
	cfg.Transfer.MaxDelay = duration(10 * time.Second)
	cfg.Transfer.Multiplier = 2.0
	cfg.Transfer.Jitter = true
	cfg.Run.Output = "runs"
	return cfg
}

// LoadConfig layers a TOML file (if present) over the defaults and environment
// variables over both. A missing config file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.Store.URL = StringEnv("STORE_URL", cfg.Store.URL)
	cfg.Cache.Root = StringEnv("CACHE_ROOT", cfg.Cache.Root)
	cfg.Credentials.Token = StringEnv("CREDENTIALS_TOKEN", cfg.Credentials.Token)
	cfg.Transfer.Retries = IntEnv("TRANSFER_RETRIES", cfg.Transfer.Retries)
	cfg.Transfer.FileTimeout = duration(DurationEnv("TRANSFER_FILE_TIMEOUT", time.Duration(cfg.Transfer.FileTimeout)))
	cfg.Run.Output = StringEnv("RUN_OUTPUT", cfg.Run.Output)
	cfg.Run.Timeout = duration(DurationEnv("RUN_TIMEOUT", time.Duration(cfg.Run.Timeout)))
	cfg.Results.Database = StringEnv("RESULTS_DB_NAME", cfg.Results.Database)
	cfg.Results.OrgName = StringEnv("RESULTS_ORG_NAME", cfg.Results.OrgName)
	cfg.Results.ApiToken = StringEnv("RESULTS_API_TOKEN", cfg.Results.ApiToken)
	return cfg, nil
}

func (c Config) Backoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(c.Transfer.InitialDelay),
		MaxDelay:     time.Duration(c.Transfer.MaxDelay),
		Multiplier:   c.Transfer.Multiplier,
		Jitter:       c.Transfer.Jitter,
	}
}
