// Package security owns the process-wide security configuration record.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

// Backup cadences.
const (
	BackupDaily   = "daily"
	BackupWeekly  = "weekly"
	BackupMonthly = "monthly"
)

var (
	ErrInvalidRetention = domain.Invalid("audit retention must be positive")
	ErrInvalidFrequency = domain.Invalid("unsupported backup frequency")
)

// DefaultAuditRetentionDays applies when no configuration has been stored.
const DefaultAuditRetentionDays = 365

// Config is the singleton stored under storage.KeySecurityConfig. It holds the key
// derivation salt, never the key itself.
type Config struct {
	KeySalt               string     `json:"key_salt"`
	BackupFrequency       string     `json:"backup_frequency"`
	AuditRetentionDays    int        `json:"audit_retention_days"`
	MaxLoginAttempts      int        `json:"max_login_attempts"`
	SessionTimeoutMinutes int        `json:"session_timeout_minutes"`
	LastBackupAt          *time.Time `json:"last_backup_at,omitempty"`
	InitializedAt         time.Time  `json:"initialized_at"`
}

// Defaults returns a fresh configuration with a new salt.
func Defaults(now time.Time) (Config, error) {
	salt, err := newSalt()
	if err != nil {
		return Config{}, fmt.Errorf("generate salt: %w", err)
	}
	return Config{
		KeySalt:               salt,
		BackupFrequency:       BackupDaily,
		AuditRetentionDays:    DefaultAuditRetentionDays,
		MaxLoginAttempts:      5,
		SessionTimeoutMinutes: 30,
		InitializedAt:         now.UTC(),
	}, nil
}

// Manager loads and updates the security configuration.
type Manager struct {
	store storage.Store
	now   func() time.Time
}

// NewManager returns a manager over the raw (unsealed) substrate.
func NewManager(store storage.Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now}
}

// Load returns the stored configuration, initialising it once when absent.
func (m *Manager) Load(ctx context.Context) (Config, error) {
	it, err := m.store.Get(ctx, storage.KeySecurityConfig)
	if err != nil {
		return Config{}, fmt.Errorf("load security config: %w", err)
	}
	if it.Exists() {
		var cfg Config
		if err := json.Unmarshal(it.Value, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode security config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := Defaults(m.now())
	if err != nil {
		return Config{}, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	if _, err := m.store.Put(ctx, storage.KeySecurityConfig, data, 0); err != nil {
		if errors.Is(err, storage.ErrRevisionMismatch) {
			// another process initialised it first
			return m.Load(ctx)
		}
		return Config{}, fmt.Errorf("%w: store security config: %v", storage.ErrUnavailable, err)
	}
	return cfg, nil
}

// AuditRetentionDays returns the configured retention, falling back to the default on any failure.
func (m *Manager) AuditRetentionDays(ctx context.Context) int {
	cfg, err := m.Load(ctx)
	if err != nil || cfg.AuditRetentionDays <= 0 {
		return DefaultAuditRetentionDays
	}
	return cfg.AuditRetentionDays
}

// Update applies mutate to the stored configuration.
func (m *Manager) Update(ctx context.Context, mutate func(*Config) error) (Config, error) {
	if _, err := m.Load(ctx); err != nil {
		return Config{}, err
	}
	it, err := m.store.Get(ctx, storage.KeySecurityConfig)
	if err != nil {
		return Config{}, fmt.Errorf("load security config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(it.Value, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode security config: %w", err)
	}
	if err := mutate(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.AuditRetentionDays <= 0 {
		return Config{}, ErrInvalidRetention
	}
	switch cfg.BackupFrequency {
	case BackupDaily, BackupWeekly, BackupMonthly:
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, cfg.BackupFrequency)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	if _, err := m.store.Put(ctx, storage.KeySecurityConfig, data, it.Revision); err != nil {
		if errors.Is(err, storage.ErrRevisionMismatch) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: store security config: %v", storage.ErrUnavailable, err)
	}
	return cfg, nil
}

// UpdateRetention sets how many days of audit entries are kept.
func (m *Manager) UpdateRetention(ctx context.Context, days int) (Config, error) {
	return m.Update(ctx, func(c *Config) error {
		c.AuditRetentionDays = days
		return nil
	})
}

// SetBackupFrequency sets the backup cadence (daily|weekly|monthly).
func (m *Manager) SetBackupFrequency(ctx context.Context, frequency string) (Config, error) {
	return m.Update(ctx, func(c *Config) error {
		c.BackupFrequency = frequency
		return nil
	})
}

// RecordBackup stores the time of the last successful backup.
func (m *Manager) RecordBackup(ctx context.Context, at time.Time) error {
	_, err := m.Update(ctx, func(c *Config) error {
		t := at.UTC()
		c.LastBackupAt = &t
		return nil
	})
	return err
}

// BackupDue reports whether a backup should run at now under cfg's cadence.
func BackupDue(cfg Config, now time.Time) bool {
	if cfg.LastBackupAt == nil {
		return true
	}
	var next time.Time
	switch cfg.BackupFrequency {
	case BackupWeekly:
		next = cfg.LastBackupAt.AddDate(0, 0, 7)
	case BackupMonthly:
		next = cfg.LastBackupAt.AddDate(0, 1, 0)
	default:
		next = cfg.LastBackupAt.AddDate(0, 0, 1)
	}
	return !now.Before(next)
}
