package mssql

import (
	"fmt"
	"net/url"
	"strconv"
)

// Auth methods supported for SQL Server and Azure Synapse.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server connection options decoded from a descriptor.
type Config struct {
	Host     string
	Port     int
	Database string

	AuthMethod string

	// SQL authentication
	Username string
	Password string

	// Azure AD service principal
	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int // seconds
}

const (
	defaultPort              = 1433
	defaultConnectionTimeout = 30
)

// FromMap decodes a descriptor and infers the auth method when it is not given:
// client_id selects service_principal, a user or username selects sql.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		Port:              defaultPort,
		Encrypt:           true,
		ConnectionTimeout: defaultConnectionTimeout,
	}

	var ok bool
	if cfg.Host, ok = descriptor["host"].(string); !ok || cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Database, ok = descriptor["database"].(string); !ok || cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	cfg.Port = intValue(descriptor["port"], cfg.Port)
	cfg.ConnectionTimeout = intValue(descriptor["connection_timeout"], cfg.ConnectionTimeout)

	switch encrypt := descriptor["encrypt"].(type) {
	case bool:
		cfg.Encrypt = encrypt
	case string:
		cfg.Encrypt = encrypt == "true" || encrypt == "strict"
	}
	cfg.TrustServerCertificate, _ = descriptor["trust_server_certificate"].(bool)

	cfg.AuthMethod, _ = descriptor["auth_method"].(string)
	if cfg.AuthMethod == "" {
		switch {
		case descriptor["client_id"] != nil:
			cfg.AuthMethod = AuthServicePrincipal
		case descriptor["username"] != nil, descriptor["user"] != nil:
			cfg.AuthMethod = AuthSQL
		default:
			return nil, fmt.Errorf("could not infer auth method; no credentials provided")
		}
	}

	switch cfg.AuthMethod {
	case AuthSQL:
		if cfg.Username, _ = descriptor["username"].(string); cfg.Username == "" {
			cfg.Username, _ = descriptor["user"].(string)
		}
		if cfg.Username == "" {
			return nil, fmt.Errorf("username is required for SQL authentication")
		}
		cfg.Password, _ = descriptor["password"].(string)
	case AuthServicePrincipal:
		cfg.TenantID, _ = descriptor["tenant_id"].(string)
		cfg.ClientID, _ = descriptor["client_id"].(string)
		cfg.ClientSecret, _ = descriptor["client_secret"].(string)
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("tenant_id, client_id and client_secret are required for service principal authentication")
		}
	default:
		return nil, fmt.Errorf("invalid auth method: %s (must be sql or service_principal)", cfg.AuthMethod)
	}

	return cfg, nil
}

func intValue(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

// DriverName returns the database/sql driver to open the connection with.
func (c *Config) DriverName() string {
	if c.AuthMethod == AuthServicePrincipal {
		return "azuresql"
	}
	return "sqlserver"
}

// ConnectionString builds a sqlserver:// URL for the configured auth method.
func (c *Config) ConnectionString() string {
	query := url.Values{}
	query.Set("database", c.Database)
	query.Set("encrypt", strconv.FormatBool(c.Encrypt))
	if c.TrustServerCertificate {
		query.Set("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Set("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}
	query.Set("app name", "ekaya-analyst")

	if c.AuthMethod == AuthServicePrincipal {
		query.Set("fedauth", "ActiveDirectoryServicePrincipal")
		query.Set("user id", c.ClientID+"@"+c.TenantID)
		query.Set("password", c.ClientSecret)
		return fmt.Sprintf("sqlserver://%s:%d?%s", c.Host, c.Port, query.Encode())
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		query.Encode(),
	)
}
