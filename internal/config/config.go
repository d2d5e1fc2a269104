package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxKeepJobs is the longest retention, in hours, a time.Duration holds.
const maxKeepJobs = int(math.MaxInt64 / int64(time.Hour))

// Config holds all configuration for the job cache server.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Jobs   JobsConfig
	Roster RosterConfig
}

type ServerConfig struct {
	Port      int
	Env       string
	APIKeys   []APIKey
	RateLimit int // requests per minute per key
}

// APIKey is one configured credential: a bcrypt hash and the scopes it grants.
type APIKey struct {
	Hash   string
	Scopes []string
}

type StoreConfig struct {
	Backend     string
	Host        string
	Port        int
	Bucket      string
	Username    string
	Password    string
	URL         string
	DialTimeout time.Duration
}

type JobsConfig struct {
	KeepJobs        int // hours
	SkipVerifyViews bool
	PurgeInterval   time.Duration
}

type RosterConfig struct {
	Minions    []string
	MinionsDir string
}

var validBackends = map[string]bool{
	"redis":    true,
	"etcd":     true,
	"postgres": true,
	"memory":   true,
}

var validScopes = map[string]bool{
	"read":  true,
	"write": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStore is Load for tools that only read the store: server settings
// and retention are read but not required.
func LoadStore() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read() (*Config, error) {
	keys, err := parseAPIKeys(os.Getenv("JOBCACHE_API_KEYS"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Port:      envInt("JOBCACHE_PORT", 8080),
			Env:       envString("JOBCACHE_ENV", "development"),
			APIKeys:   keys,
			RateLimit: envInt("JOBCACHE_RATE_LIMIT", 600),
		},
		Store: StoreConfig{
			Backend:     envString("JOBCACHE_STORE_BACKEND", "redis"),
			Host:        envString("JOBCACHE_STORE_HOST", "salt"),
			Port:        envInt("JOBCACHE_STORE_PORT", 8091),
			Bucket:      envString("JOBCACHE_STORE_BUCKET", "salt"),
			Username:    os.Getenv("JOBCACHE_STORE_USERNAME"),
			Password:    os.Getenv("JOBCACHE_STORE_PASSWORD"),
			URL:         os.Getenv("JOBCACHE_STORE_URL"),
			DialTimeout: envDuration("JOBCACHE_STORE_DIAL_TIMEOUT", 5*time.Second),
		},
		Jobs: JobsConfig{
			KeepJobs:        envInt("JOBCACHE_KEEP_JOBS", 0),
			SkipVerifyViews: envBool("JOBCACHE_SKIP_VERIFY_VIEWS", false),
			PurgeInterval:   envDuration("JOBCACHE_PURGE_INTERVAL", 10*time.Minute),
		},
		Roster: RosterConfig{
			Minions:    envList("JOBCACHE_MINIONS"),
			MinionsDir: os.Getenv("JOBCACHE_MINIONS_DIR"),
		},
	}, nil
}

func (c *Config) validate() error {
	if err := c.Store.validate(); err != nil {
		return err
	}

	if c.Jobs.KeepJobs <= 0 {
		return fmt.Errorf("JOBCACHE_KEEP_JOBS is required and must be a positive number of hours")
	}
	if c.Jobs.KeepJobs > maxKeepJobs {
		return fmt.Errorf("JOBCACHE_KEEP_JOBS must be at most %d hours, got %d", maxKeepJobs, c.Jobs.KeepJobs)
	}
	if c.Jobs.PurgeInterval <= 0 {
		return fmt.Errorf("JOBCACHE_PURGE_INTERVAL must be positive, got %s", c.Jobs.PurgeInterval)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("JOBCACHE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("JOBCACHE_RATE_LIMIT must be positive, got %d", c.Server.RateLimit)
	}

	if c.Roster.MinionsDir != "" && len(c.Roster.Minions) > 0 {
		return fmt.Errorf("JOBCACHE_MINIONS and JOBCACHE_MINIONS_DIR are mutually exclusive")
	}

	return nil
}

func (s *StoreConfig) validate() error {
	if !validBackends[s.Backend] {
		return fmt.Errorf("JOBCACHE_STORE_BACKEND must be one of redis, etcd, postgres, memory; got %q", s.Backend)
	}
	if s.Bucket == "" {
		return fmt.Errorf("JOBCACHE_STORE_BUCKET must not be empty")
	}
	if s.Backend != "memory" && s.URL == "" && s.Host == "" {
		return fmt.Errorf("JOBCACHE_STORE_HOST or JOBCACHE_STORE_URL is required for the %s backend", s.Backend)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("JOBCACHE_STORE_PORT must be between 1 and 65535, got %d", s.Port)
	}
	if s.DialTimeout <= 0 {
		return fmt.Errorf("JOBCACHE_STORE_DIAL_TIMEOUT must be positive, got %s", s.DialTimeout)
	}
	return nil
}

// Addr returns host:port.
func (s StoreConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// parseAPIKeys reads "scope,scope:hash;scope:hash". Hashes are bcrypt
// strings, which never contain ':' or ';'.
func parseAPIKeys(v string) ([]APIKey, error) {
	var keys []APIKey
	for i, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scopes, hash, ok := strings.Cut(entry, ":")
		if !ok || hash == "" {
			return nil, fmt.Errorf("JOBCACHE_API_KEYS entry %d must be scopes:bcrypthash", i+1)
		}
		k := APIKey{Hash: strings.TrimSpace(hash)}
		for _, sc := range strings.Split(scopes, ",") {
			sc = strings.TrimSpace(sc)
			if !validScopes[sc] {
				return nil, fmt.Errorf("JOBCACHE_API_KEYS entry %d has unknown scope %q", i+1, sc)
			}
			k.Scopes = append(k.Scopes, sc)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
