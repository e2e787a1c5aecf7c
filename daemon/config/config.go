// Package config holds the daemon configuration. Defaults come from
// New; a JSON config file may override them, and command-line flags
// override both (flag registration lives in cmd/pkdd).
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultBatchSize is the number of certificates per interleaved
	// DB + LDAP batch.
	DefaultBatchSize = 100

	// DefaultProgressInterval is how many items are processed between
	// progress emissions within a stage.
	DefaultProgressInterval = 10

	// DefaultMaxUploadBytes caps an uploaded file at 100 MiB.
	DefaultMaxUploadBytes = 100 << 20
)

// LDAPConfig configures the directory connection.
type LDAPConfig struct {
	URL            string        `json:"url"`
	BindDN         string        `json:"bind-dn"`
	BindPassword   string        `json:"bind-password"`
	BaseDN         string        `json:"base-dn"`
	MinConnections int           `json:"min-connections"`
	MaxConnections int           `json:"max-connections"`
	MaxConnAge     time.Duration `json:"max-conn-age"`
	ConnectTimeout time.Duration `json:"connect-timeout"`
	ReadTimeout    time.Duration `json:"read-timeout"`
}

// Config is the daemon configuration.
type Config struct {
	Addr     string `json:"addr"`
	LogLevel string `json:"log-level"`

	// DataDir is where uploaded files are kept for the pipeline stages
	// that run after the upload request returns.
	DataDir string `json:"data-dir"`

	PostgresDSN string `json:"postgres-dsn"`

	LDAP LDAPConfig `json:"ldap"`

	// MasterListAnchorPath points at a PEM bundle of UN/ICAO master
	// list signer anchors. Optional; when empty every master list
	// signer is recorded as untrusted.
	MasterListAnchorPath string `json:"master-list-anchors"`

	BatchSize        int   `json:"batch-size"`
	ProgressInterval int   `json:"progress-interval"`
	MaxUploadBytes   int64 `json:"max-upload-bytes"`

	// EventWorkers bounds the async event handler pool.
	EventWorkers int `json:"event-workers"`
}

// New returns a Config with defaults applied.
func New() *Config {
	return &Config{
		Addr:     "127.0.0.1:8380",
		LogLevel: "info",
		DataDir:  "/var/lib/pkdd",
		LDAP: LDAPConfig{
			URL:            "ldap://127.0.0.1:389",
			BaseDN:         "dc=ldap,dc=smartcoreinc,dc=com",
			MinConnections: 3,
			MaxConnections: 20,
			MaxConnAge:     15 * time.Minute,
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    60 * time.Second,
		},
		BatchSize:        DefaultBatchSize,
		ProgressInterval: DefaultProgressInterval,
		MaxUploadBytes:   DefaultMaxUploadBytes,
		EventWorkers:     4,
	}
}

// Load merges the JSON config file at path into c.
func Load(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "unable to read config file %s", path)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "unable to parse config file %s", path)
	}
	return nil
}

// Validate returns an error if the configuration can't be used.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("postgres-dsn is required")
	}
	if c.DataDir == "" {
		return errors.New("data-dir is required")
	}
	if c.LDAP.URL == "" {
		return errors.New("ldap.url is required")
	}
	if c.LDAP.BaseDN == "" {
		return errors.New("ldap.base-dn is required")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch-size must be positive")
	}
	if c.LDAP.MinConnections < 1 || c.LDAP.MaxConnections < c.LDAP.MinConnections {
		return errors.New("ldap connection pool bounds are invalid")
	}
	if c.EventWorkers < 1 {
		return errors.New("event-workers must be positive")
	}
	return nil
}
