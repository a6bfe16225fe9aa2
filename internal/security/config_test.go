package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

func TestLoadInitialisesOnce(t *testing.T) {
	now := time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	m := NewManager(store, func() time.Time { return now })
	ctx := context.Background()

	first, err := m.Load(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first.KeySalt)
	assert.Equal(t, BackupDaily, first.BackupFrequency)
	assert.Equal(t, 365, first.AuditRetentionDays)
	assert.Equal(t, 5, first.MaxLoginAttempts)
	assert.Equal(t, 30, first.SessionTimeoutMinutes)

	second, err := NewManager(store, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeySalt, second.KeySalt, "existing config is loaded as-is")
	assert.Equal(t, 1, store.Puts())
}

func TestUpdateRetention(t *testing.T) {
	m := NewManager(storage.NewMemory(), nil)
	ctx := context.Background()

	cfg, err := m.Update(ctx, func(c *Config) error {
		c.AuditRetentionDays = 30
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.AuditRetentionDays)
	assert.Equal(t, 30, m.AuditRetentionDays(ctx))

	_, err = m.UpdateRetention(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.Equal(t, 30, m.AuditRetentionDays(ctx))

	cfg, err = m.SetBackupFrequency(ctx, BackupWeekly)
	require.NoError(t, err)
	assert.Equal(t, BackupWeekly, cfg.BackupFrequency)
	_, err = m.SetBackupFrequency(ctx, "hourly")
	assert.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestAuditRetentionFallsBack(t *testing.T) {
	store := storage.NewMemory()
	store.Raw(storage.KeySecurityConfig, []byte("garbage"))
	assert.Equal(t, DefaultAuditRetentionDays, NewManager(store, nil).AuditRetentionDays(context.Background()))
}

func TestBackupDue(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		freq string
		now  time.Time
		want bool
	}{
		{BackupDaily, last.Add(23 * time.Hour), false},
		{BackupDaily, last.Add(24 * time.Hour), true},
		{BackupWeekly, last.AddDate(0, 0, 6), false},
		{BackupWeekly, last.AddDate(0, 0, 7), true},
		{BackupMonthly, last.AddDate(0, 1, 0), true},
		{BackupMonthly, last.AddDate(0, 0, 30), false},
	}
	for _, tc := range cases {
		cfg := Config{BackupFrequency: tc.freq, LastBackupAt: &last}
		assert.Equal(t, tc.want, BackupDue(cfg, tc.now), "%s at %s", tc.freq, tc.now)
	}
	assert.True(t, BackupDue(Config{}, last), "never backed up")
}

func TestRecordBackup(t *testing.T) {
	m := NewManager(storage.NewMemory(), nil)
	at := time.Date(2026, 2, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, m.RecordBackup(context.Background(), at))
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cfg.LastBackupAt)
	assert.True(t, at.Equal(*cfg.LastBackupAt))
}

func TestDeriveKey(t *testing.T) {
	salt, err := newSalt()
	require.NoError(t, err)
	k1, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)
	k2, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)
	k3, err := DeriveKey("battery staple", salt)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey("", salt)
	assert.Error(t, err)
}
