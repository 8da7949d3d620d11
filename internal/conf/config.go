package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"kestrel/internal/blobstorage"
)

type Config struct {
	Domain         string             `yaml:"domain"`
	Listen         string             `yaml:"listen"`
	ListenTLS      string             `yaml:"listen_tls"`
	TLS            TLSConfig          `yaml:"tls"`
	StartTLS       bool               `yaml:"starttls"`
	MaxMessageSize int64              `yaml:"max_message_size"`
	Capabilities   Capabilities       `yaml:"capabilities"`
	Database       DatabaseConfig     `yaml:"database"`
	BlobStorage    blobstorage.Config `yaml:"blob_storage"`
	Auth           AuthConfig         `yaml:"auth"`
	Metrics        MetricsConfig      `yaml:"metrics"`
	LogLevel       string             `yaml:"log_level"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Capabilities are emitted verbatim: one list before authentication, one
// after.
type Capabilities struct {
	Unauthenticated []string `yaml:"unauthenticated"`
	Authenticated   []string `yaml:"authenticated"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the configuration from path. An empty path tries the usual
// locations.
func Load(path string) (*Config, error) {
	paths := []string{path}
	if path == "" {
		paths = []string{
			"/etc/kestrel/kestrel.yaml",
			"./config/kestrel.yaml",
			"./kestrel.yaml",
		}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no configuration file found: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:143"
	}
	if c.ListenTLS == "" {
		c.ListenTLS = "0.0.0.0:993"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 25 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Capabilities.Unauthenticated) == 0 {
		c.Capabilities.Unauthenticated = []string{"IMAP4rev1", "STARTTLS", "AUTH=PLAIN", "AUTH=XOAUTH2", "IDLE", "LITERAL+"}
	}
	if len(c.Capabilities.Authenticated) == 0 {
		c.Capabilities.Authenticated = []string{"IMAP4rev1", "IDLE", "LITERAL+"}
	}
}
