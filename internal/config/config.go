package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	errMissingDBURL  = errors.New("db url is required")
	errMissingSecret = errors.New("session secret is required")
	errSweepInterval = errors.New("session sweep interval must be at least 1s")
)

// Path is the location of the optional YAML config file.
type Path string

type Config struct {
	Env     string  `yaml:"env"`
	Port    int     `yaml:"port"`
	Name    string  `yaml:"name"`
	DB      DB      `yaml:"db"`
	Session Session `yaml:"session"`
	Web     Web     `yaml:"web"`
}

type DB struct {
	URL      string `yaml:"url"`
	CACert   string `yaml:"ca_cert"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type Session struct {
	// Secrets sign the session cookie. The first one signs, all of them verify.
	Secrets       []string      `yaml:"secrets"`
	Table         string        `yaml:"table"`
	CreateTable   bool          `yaml:"create_table"`
	CookieName    string        `yaml:"cookie_name"`
	Lifetime      time.Duration `yaml:"lifetime"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepTimeout  time.Duration `yaml:"sweep_timeout"`
}

type Web struct {
	Templates string `yaml:"templates"`
	Static    string `yaml:"static"`
}

func Default() *Config {
	return &Config{
		Env:  "production",
		Port: 3000,
		DB: DB{
			MaxConns: 10,
			MinConns: 2,
		},
		Session: Session{
			Table:         "session",
			CreateTable:   true,
			CookieName:    "sid",
			Lifetime:      24 * time.Hour,
			SweepInterval: 15 * time.Minute,
			SweepTimeout:  30 * time.Second,
		},
		Web: Web{
			Templates: "web/tmpl",
			Static:    "web/static",
		},
	}
}

// New builds the config from defaults, then the YAML file at path (if any),
// then environment variables. In development a .env file is loaded first.
func New(path Path) (*Config, error) {
	if isDevelopment(os.Getenv("APP_ENV")) {
		// missing .env is fine
		_ = godotenv.Load()
	}

	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(string(path))
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Env = getEnv("APP_ENV", c.Env)
	c.Name = getEnv("NAME", c.Name)
	if c.Port, err = getEnvInt("PORT", c.Port); err != nil {
		return err
	}

	c.DB.URL = getEnv("DB_URL", c.DB.URL)
	c.DB.CACert = getEnv("DB_CA_CERT", c.DB.CACert)
	if c.DB.MaxConns, err = getEnvInt32("DB_MAX_CONNS", c.DB.MaxConns); err != nil {
		return err
	}
	if c.DB.MinConns, err = getEnvInt32("DB_MIN_CONNS", c.DB.MinConns); err != nil {
		return err
	}

	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Session.Secrets = splitList(v)
	}
	c.Session.Table = getEnv("SESSION_TABLE", c.Session.Table)
	c.Session.CookieName = getEnv("SESSION_COOKIE_NAME", c.Session.CookieName)
	if c.Session.CreateTable, err = getEnvBool("SESSION_CREATE_TABLE", c.Session.CreateTable); err != nil {
		return err
	}
	if c.Session.SweepInterval, err = getEnvDuration("SESSION_SWEEP_INTERVAL", c.Session.SweepInterval); err != nil {
		return err
	}
	if c.Session.SweepTimeout, err = getEnvDuration("SESSION_SWEEP_TIMEOUT", c.Session.SweepTimeout); err != nil {
		return err
	}

	return nil
}

func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return errMissingDBURL
	}
	if len(c.Session.Secrets) == 0 || c.Session.Secrets[0] == "" {
		return errMissingSecret
	}
	if c.Session.SweepInterval < time.Second {
		return errSweepInterval
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("session lifetime must be positive, got %v", c.Session.Lifetime)
	}
	return nil
}

// Development reports whether the environment name marks a development
// build. It only loosens the cookie Secure flag and enables live reload.
func (c *Config) Development() bool {
	return isDevelopment(c.Env)
}

func isDevelopment(env string) bool {
	return strings.Contains(strings.ToLower(env), "dev")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt32(key string, fallback int32) (int32, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return int32(n), nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
