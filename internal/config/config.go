// Package config loads the server configuration from the environment
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at boot. Values come from the
// environment, with a .env file loaded first when present.
type Config struct {
	Listen  string
	DataDir string
	Debug   bool

	// Browser pool
	BrowserPoolSize   int
	NavigationTimeout time.Duration
	ProbeRounds       int
	ProbeDelay        time.Duration
	EarlyExitScore    int

	// Resolution
	ResolveCeiling time.Duration
	ExtractTimeout time.Duration

	// Cache TTL classes
	VODTTL      time.Duration
	LiveTTL     time.Duration
	NegativeTTL time.Duration

	// Upstream fetch
	UpstreamTimeout time.Duration
	PerHostRPS      float64

	// Collaborators
	TMDBAPIKey string

	// Extra domains allowed for browser navigation, beyond the providers'
	// own host lists.
	ExtraAllowedDomains []string
}

// Load reads .env (when present) and assembles the configuration.
func Load() *Config {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Listen:  getenvDefault("LISTEN", ":4080"),
		DataDir: getenvDefault("DATA_DIR", "./data"),
		Debug:   getenvBool("DEBUG", false),

		BrowserPoolSize:   getenvInt("BROWSER_POOL_SIZE", 3),
		NavigationTimeout: getenvDuration("NAVIGATION_TIMEOUT", 20*time.Second),
		ProbeRounds:       getenvInt("PROBE_ROUNDS", 7),
		ProbeDelay:        getenvDuration("PROBE_DELAY", 400*time.Millisecond),
		EarlyExitScore:    getenvInt("EARLY_EXIT_SCORE", 150),

		ResolveCeiling: getenvDuration("RESOLVE_CEILING", 45*time.Second),
		ExtractTimeout: getenvDuration("EXTRACT_TIMEOUT", 35*time.Second),

		VODTTL:      getenvDuration("CACHE_TTL_VOD", 30*time.Minute),
		LiveTTL:     getenvDuration("CACHE_TTL_LIVE", 30*time.Second),
		NegativeTTL: getenvDuration("CACHE_TTL_NEGATIVE", 6*time.Hour),

		UpstreamTimeout: getenvDuration("UPSTREAM_TIMEOUT", 20*time.Second),
		PerHostRPS:      getenvFloat("PER_HOST_RPS", 25),

		TMDBAPIKey: os.Getenv("TMDB_API_KEY"),
	}

	if v := os.Getenv("ALLOWED_DOMAINS"); v != "" {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.ExtraAllowedDomains = append(cfg.ExtraAllowedDomains, d)
			}
		}
	}

	return cfg
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
