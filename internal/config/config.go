package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	ServerAddress string `yaml:"server_address"`
	DatabaseURL   string `yaml:"database_url"`
	JWTSecret     string `yaml:"jwt_secret"`
	AllowedOrigin string `yaml:"allowed_origin"`
	Dev           bool   `yaml:"dev"`
}

// ClientConfig configures the chat session and its transports.
type ClientConfig struct {
	APIBaseURL          string        `yaml:"api_base_url"`
	WSURL               string        `yaml:"ws_url"`
	Token               string        `yaml:"token"`
	TypingDebounce      time.Duration `yaml:"typing_debounce"`
	RemoteTypingTimeout time.Duration `yaml:"remote_typing_timeout"`
	HistoryPageSize     int           `yaml:"history_page_size"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	Dev                 bool          `yaml:"dev"`
}

type File struct {
	Server Config       `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

func Load() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	dataDir := filepath.Join(cwd, "data")
	os.MkdirAll(dataDir, 0755)

	// Default SQLite database path
	dbPath := filepath.Join(dataDir, "renddirect.db")

	f := readFile()
	return &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", orDefault(f.Server.ServerAddress, ":8080")),
		DatabaseURL:   getEnv("DATABASE_URL", orDefault(f.Server.DatabaseURL, "sqlite://"+dbPath)),
		JWTSecret:     getEnv("JWT_SECRET", orDefault(f.Server.JWTSecret, "your-secret-key")),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", orDefault(f.Server.AllowedOrigin, "http://localhost:3000")),
		Dev:           getBool("DEV", f.Server.Dev),
	}
}

func LoadClient() *ClientConfig {
	f := readFile()
	c := f.Client

	cfg := &ClientConfig{
		APIBaseURL:          strings.TrimRight(getEnv("API_URL", orDefault(c.APIBaseURL, "http://localhost:8080/api")), "/"),
		Token:               getEnv("AUTH_TOKEN", c.Token),
		TypingDebounce:      getDuration("TYPING_DEBOUNCE", orDuration(c.TypingDebounce, 2*time.Second)),
		RemoteTypingTimeout: getDuration("REMOTE_TYPING_TIMEOUT", orDuration(c.RemoteTypingTimeout, 6*time.Second)),
		HistoryPageSize:     getInt("HISTORY_PAGE_SIZE", orInt(c.HistoryPageSize, 50)),
		ReconnectBaseDelay:  getDuration("RECONNECT_BASE_DELAY", orDuration(c.ReconnectBaseDelay, time.Second)),
		ReconnectMaxDelay:   getDuration("RECONNECT_MAX_DELAY", orDuration(c.ReconnectMaxDelay, 30*time.Second)),
		RequestTimeout:      getDuration("REQUEST_TIMEOUT", orDuration(c.RequestTimeout, 30*time.Second)),
		Dev:                 getBool("DEV", c.Dev),
	}
	cfg.WSURL = getEnv("WS_URL", orDefault(c.WSURL, DeriveWSURL(cfg.APIBaseURL)))
	return cfg
}

// DeriveWSURL maps an API base such as http://host:8080/api to ws://host:8080/ws.
func DeriveWSURL(apiBase string) string {
	u := strings.TrimSuffix(strings.TrimRight(apiBase, "/"), "/api")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Path returns the YAML config file location. RENDDIRECT_CONFIG wins over
// ~/.renddirect/config.yml.
func Path() string {
	if p, ok := os.LookupEnv("RENDDIRECT_CONFIG"); ok {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".renddirect", "config.yml")
}

func readFile() File {
	f, _ := ParseFile(Path())
	return f
}

// ParseFile reads a YAML config file. A missing file yields an empty config.
func ParseFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse config file: %w", err)
	}
	return f, nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if dbPath == ":memory:" || filepath.IsAbs(dbPath) {
		return dbPath
	}
	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return filepath.Join(cwd, dbPath)
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
