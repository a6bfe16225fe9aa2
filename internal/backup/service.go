// internal/backup/service.go
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/blob"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/security"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

// Prefix is the blob key prefix every snapshot is written under.
const Prefix = "backups/"

const snapshotFormat = 1

var ErrBreakerOpen = errors.New("backup uploads suspended after repeated failures")

// Schedule is the part of the security configuration that drives backup cadence.
type Schedule interface {
	Load(ctx context.Context) (security.Config, error)
	RecordBackup(ctx context.Context, at time.Time) error
}

// Snapshot is one backup document. Payloads are copied byte for byte from the substrate, so a
// sealed deployment produces sealed snapshots.
type Snapshot struct {
	Format      int               `json:"format"`
	TakenAt     time.Time         `json:"taken_at"`
	TakenBy     string            `json:"taken_by"`
	Sealed      bool              `json:"sealed"`
	Collections map[string][]byte `json:"collections"`
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeep deletes the oldest snapshots beyond n after each successful upload. Zero keeps all.
func WithKeep(n int) Option {
	return func(s *Service) { s.keep = n }
}

// WithSealed marks snapshots as carrying sealed payloads.
func WithSealed(sealed bool) Option {
	return func(s *Service) { s.sealed = sealed }
}

// Service writes snapshots of every collection to a blob store.
type Service struct {
	store    storage.Store
	blobs    blob.Store
	schedule Schedule
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	keep     int
	sealed   bool
}

// NewService snapshots store into blobs. schedule may be nil when only manual snapshots are taken.
func NewService(store storage.Store, blobs blob.Store, schedule Schedule, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		schedule: schedule,
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer("tsoam/backup"),
	}
	for _, o := range opts {
		o(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backup-upload",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("backup breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Snapshot reads every collection and uploads one document under Prefix.
func (s *Service) Snapshot(ctx context.Context) (blob.Info, error) {
	ctx, span := s.tracer.Start(ctx, "backup.snapshot")
	defer span.End()

	now := s.now().UTC()
	snap := Snapshot{
		Format:      snapshotFormat,
		TakenAt:     now,
		TakenBy:     domain.ActorFrom(ctx).ID,
		Sealed:      s.sealed,
		Collections: make(map[string][]byte, len(storage.Keys)),
	}
	for _, key := range storage.Keys {
		it, err := s.store.Get(ctx, key)
		if err != nil {
			span.RecordError(err)
			return blob.Info{}, fmt.Errorf("%w: read %s: %v", storage.ErrUnavailable, key, err)
		}
		if it.Exists() {
			snap.Collections[key] = it.Value
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}

	key := Prefix + now.Format("20060102T150405.000000000Z") + ".json"
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.blobs.Put(ctx, key, bytes.NewReader(data), "application/json")
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return blob.Info{}, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return blob.Info{}, fmt.Errorf("upload snapshot: %w", err)
	}
	info := out.(blob.Info)
	span.SetAttributes(attribute.String("backup.key", info.Key), attribute.Int64("backup.size", info.Size))
	s.logger.InfoContext(ctx, "backup written", "key", info.Key, "size", info.Size, "collections", len(snap.Collections))

	if s.keep > 0 {
		s.rotate(ctx)
	}
	return info, nil
}

func (s *Service) rotate(ctx context.Context) {
	all, err := s.List(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "backup rotation skipped", "error", err)
		return
	}
	// List is newest first
	for _, old := range all[min(s.keep, len(all)):] {
		if err := s.blobs.Delete(ctx, old.Key); err != nil {
			s.logger.WarnContext(ctx, "old backup not deleted", "key", old.Key, "error", err)
		}
	}
}

// RunIfDue takes a snapshot when the configured cadence says one is due and records it.
func (s *Service) RunIfDue(ctx context.Context) (bool, blob.Info, error) {
	if s.schedule == nil {
		return false, blob.Info{}, errors.New("backup schedule not configured")
	}
	cfg, err := s.schedule.Load(ctx)
	if err != nil {
		return false, blob.Info{}, fmt.Errorf("load backup schedule: %w", err)
	}
	now := s.now()
	if !security.BackupDue(cfg, now) {
		return false, blob.Info{}, nil
	}
	info, err := s.Snapshot(ctx)
	if err != nil {
		return false, blob.Info{}, err
	}
	if err := s.schedule.RecordBackup(ctx, now); err != nil {
		return true, info, fmt.Errorf("record backup time: %w", err)
	}
	return true, info, nil
}

// List returns the stored snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]blob.Info, error) {
	all, err := s.blobs.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Key > all[j].Key })
	return all, nil
}

// Restore writes every collection in the snapshot at key back to the substrate and returns how
// many collections were restored. Collections absent from the snapshot are left untouched.
func (s *Service) Restore(ctx context.Context, key string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "backup.restore", trace.WithAttributes(attribute.String("backup.key", key)))
	defer span.End()

	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer rc.Close()
	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return 0, fmt.Errorf("%w: decode snapshot %s: %v", domain.ErrInvalid, key, err)
	}
	if snap.Format != snapshotFormat {
		return 0, fmt.Errorf("%w: unsupported snapshot format %d", domain.ErrInvalid, snap.Format)
	}
	if snap.Sealed != s.sealed {
		return 0, fmt.Errorf("%w: snapshot sealed=%t does not match substrate sealed=%t", domain.ErrInvalid, snap.Sealed, s.sealed)
	}

	var restored int
	for _, k := range storage.Keys {
		value, ok := snap.Collections[k]
		if !ok {
			continue
		}
		cur, err := s.store.Get(ctx, k)
		if err != nil {
			return restored, fmt.Errorf("%w: read %s: %v", storage.ErrUnavailable, k, err)
		}
		if _, err := s.store.Put(ctx, k, value, cur.Revision); err != nil {
			return restored, fmt.Errorf("%w: restore %s: %v", storage.ErrUnavailable, k, err)
		}
		restored++
	}
	s.logger.InfoContext(ctx, "backup restored", "key", key, "collections", restored, "taken_at", snap.TakenAt)
	return restored, nil
}
