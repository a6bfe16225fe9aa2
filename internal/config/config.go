// Package config provides configuration loading for the tsoam binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/blob"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/logging"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/telemetry"
)

// Config represents the complete service configuration
type Config struct {
	HTTP      HTTPConfig       `yaml:"http"`
	Storage   StorageConfig    `yaml:"storage"`
	Audit     AuditConfig      `yaml:"audit"`
	Backup    BackupConfig     `yaml:"backup"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WriteRate limits mutating requests per second across all clients. Zero disables the limit.
	WriteRate  float64 `yaml:"write_rate"`
	WriteBurst int     `yaml:"write_burst"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// StorageConfig selects the persistence substrate
type StorageConfig struct {
	// Driver is memory, sqlite, postgres or pgx.
	Driver string `yaml:"driver"`
	// DSN is the database connection string. For sqlite an empty DSN means Path.
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
	// SealPassphrase enables at-rest encryption of every collection except the security config.
	SealPassphrase string `yaml:"seal_passphrase"`
}

// ResolvedDSN returns the DSN to open.
func (s StorageConfig) ResolvedDSN() string {
	if s.DSN == "" && s.Driver == storage.DriverSQLite {
		return s.Path
	}
	return s.DSN
}

// AuditConfig configures audit fan-out
type AuditConfig struct {
	// NATSURL publishes every audit entry when set.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// BackupConfig configures snapshots
type BackupConfig struct {
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"`
	// Keep is how many snapshots are retained. Zero keeps all.
	Keep int `yaml:"keep"`
	// CheckInterval is how often serve asks whether a scheduled backup is due. Zero disables it.
	CheckInterval time.Duration `yaml:"check_interval"`
	S3            blob.S3Config `yaml:"s3"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			WriteRate:       50,
			WriteBurst:      100,
		},
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			Path:   "tsoam.db",
		},
		Audit: AuditConfig{NATSSubject: "tsoam.audit"},
		Backup: BackupConfig{
			Driver:        string(blob.DriverFilesystem),
			Root:          "./backups",
			Keep:          30,
			CheckInterval: time.Hour,
		},
		Telemetry: telemetry.Config{ServiceName: "tsoam", SampleRatio: 1, MetricsEnabled: true},
		Logging:   logging.Config{Level: "info", Format: "text"},
	}
}

// Load layers defaults, an optional .env file, an optional YAML file and TSOAM_* variables, then
// validates the result. An empty path falls back to TSOAM_CONFIG.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	if path == "" {
		path = os.Getenv("TSOAM_CONFIG")
	}
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("TSOAM_HTTP_HOST", &c.HTTP.Host)
	num("TSOAM_HTTP_PORT", &c.HTTP.Port)
	str("TSOAM_STORAGE_DRIVER", &c.Storage.Driver)
	str("TSOAM_STORAGE_DSN", &c.Storage.DSN)
	str("TSOAM_STORAGE_PATH", &c.Storage.Path)
	str("TSOAM_SEAL_PASSPHRASE", &c.Storage.SealPassphrase)
	str("TSOAM_AUDIT_NATS_URL", &c.Audit.NATSURL)
	str("TSOAM_AUDIT_NATS_SUBJECT", &c.Audit.NATSSubject)
	str("TSOAM_BACKUP_DRIVER", &c.Backup.Driver)
	str("TSOAM_BACKUP_ROOT", &c.Backup.Root)
	num("TSOAM_BACKUP_KEEP", &c.Backup.Keep)
	str("TSOAM_BACKUP_S3_BUCKET", &c.Backup.S3.Bucket)
	str("TSOAM_BACKUP_S3_REGION", &c.Backup.S3.Region)
	str("TSOAM_BACKUP_S3_ENDPOINT", &c.Backup.S3.Endpoint)
	flag("TSOAM_BACKUP_S3_PATH_STYLE", &c.Backup.S3.PathStyle)
	str("TSOAM_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	flag("TSOAM_METRICS_ENABLED", &c.Telemetry.MetricsEnabled)
	str("TSOAM_LOG_LEVEL", &c.Logging.Level)
	str("TSOAM_LOG_FORMAT", &c.Logging.Format)
	return errors.Join(errs...)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.WriteRate < 0 {
		return fmt.Errorf("http.write_rate must not be negative")
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverSQLite, storage.DriverPostgres, storage.DriverPgx:
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres, pgx", c.Storage.Driver)
	}
	if c.Storage.Driver != storage.DriverMemory && c.Storage.ResolvedDSN() == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	switch blob.Driver(c.Backup.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Backup.S3.Bucket == "" {
			return fmt.Errorf("backup.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("backup.driver %q is not one of fs, memory, s3", c.Backup.Driver)
	}
	if c.Backup.Keep < 0 {
		return fmt.Errorf("backup.keep must not be negative")
	}
	return nil
}
