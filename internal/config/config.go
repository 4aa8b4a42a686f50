package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen struct {
		DeviceAddr string `yaml:"device_addr"`
		HTTPAddr   string `yaml:"http_addr"`
	} `yaml:"listen"`

	Media struct {
		Root string `yaml:"root"`
	} `yaml:"media"`

	// Default clip durations handed to a device at handshake. A freshly
	// registered device gets bell_ms=0 (photo only) so first contact does
	// not produce a clip before the owner configures anything.
	Durations struct {
		BellMs   int32 `yaml:"bell_ms"`
		MotionMs int32 `yaml:"motion_ms"`
		RelayMs  int32 `yaml:"relay_ms"`
	} `yaml:"durations"`

	Database struct {
		Host     string `yaml:"host"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	SMTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		User string `yaml:"user"`
		Pass string `yaml:"pass"`
		From string `yaml:"from"`
	} `yaml:"smtp"`

	Shutdown struct {
		GraceMs int `yaml:"grace_ms"`
	} `yaml:"shutdown"`
}

func defaults() *Config {
	var c Config
	c.Listen.DeviceAddr = "0.0.0.0:2376"
	c.Listen.HTTPAddr = "0.0.0.0:8080"
	c.Media.Root = "./media"
	c.Durations.BellMs = 5000
	c.Durations.MotionMs = 5000
	c.Durations.RelayMs = 5000
	c.NATS.Subject = "doorbell.alerts"
	c.SMTP.Port = 587
	c.Shutdown.GraceMs = 10000
	return &c
}

// Load reads the yaml file at path (missing file means pure defaults) and
// applies environment overrides on top.
func Load(path string) (*Config, error) {
	c := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(c)
	return c, nil
}

func applyEnv(c *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Listen.DeviceAddr, "DEVICE_ADDR")
	set(&c.Listen.HTTPAddr, "HTTP_ADDR")
	set(&c.Media.Root, "MEDIA_ROOT")
	set(&c.Database.Host, "DB_HOST")
	set(&c.Database.User, "DB_USER")
	set(&c.Database.Password, "DB_PASSWORD")
	set(&c.Database.Name, "DB_NAME")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.NATS.URL, "NATS_URL")
	set(&c.SMTP.Host, "SMTP_HOST")
	set(&c.SMTP.User, "SMTP_USER")
	set(&c.SMTP.Pass, "SMTP_PASSWORD")
	set(&c.SMTP.From, "SMTP_FROM")
}

func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Name)
}

func (c *Config) ShutdownGrace() time.Duration {
	if c.Shutdown.GraceMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Shutdown.GraceMs) * time.Millisecond
}

// Store holds the live configuration and supports hot-reloading the
// duration defaults.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
