package postgres

import (
	"fmt"
	"net/url"
)

// Config contains PostgreSQL connection options decoded from a descriptor.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
	// Schema is set as search_path so unqualified table names resolve.
	Schema string
}

const (
	defaultPort    = 5432
	defaultSSLMode = "require"
)

// FromMap decodes a descriptor. JSON numbers arrive as float64.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		Port:    defaultPort,
		SSLMode: defaultSSLMode,
	}

	var ok bool
	if cfg.Host, ok = descriptor["host"].(string); !ok || cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User, ok = descriptor["user"].(string); !ok || cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Database, ok = descriptor["database"].(string); !ok || cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	switch port := descriptor["port"].(type) {
	case float64:
		cfg.Port = int(port)
	case int:
		cfg.Port = port
	}

	cfg.Password, _ = descriptor["password"].(string)
	if sslMode, ok := descriptor["ssl_mode"].(string); ok && sslMode != "" {
		cfg.SSLMode = sslMode
	}
	cfg.Schema, _ = descriptor["schema"].(string)

	return cfg, nil
}

// ConnectionString builds a URL with every user-supplied part escaped, so passwords
// containing @, / or # survive parsing.
func (c *Config) ConnectionString() string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.Schema != "" {
		q.Set("search_path", c.Schema)
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.PathEscape(c.Database),
		q.Encode(),
	)
}
