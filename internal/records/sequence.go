package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

// Sequence hands out durable, monotonic counters per scope. Counters live under
// storage.KeySequences and advance through the same revision check as record writes,
// so two processes never receive the same value.
type Sequence struct {
	store storage.Store
	diag  storage.Diagnostics
	mu    sync.Mutex
}

// NewSequence returns a sequence generator over store.
func NewSequence(store storage.Store, diag storage.Diagnostics) *Sequence {
	if diag == nil {
		diag = storage.NopDiagnostics{}
	}
	return &Sequence{store: store, diag: diag}
}

// Next returns the next value for scope, starting at 1.
func (s *Sequence) Next(ctx context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	err := storage.Mutate(ctx, s.store, storage.KeySequences, s.diag, func(cur []byte) ([]byte, error) {
		counters := map[string]int64{}
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &counters); err != nil {
				return nil, fmt.Errorf("%w: decode sequences: %v", storage.ErrUnavailable, err)
			}
		}
		next = counters[scope] + 1
		counters[scope] = next
		return json.Marshal(counters)
	})
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", scope, err)
	}
	return next, nil
}

// Peek returns the last value handed out for scope, or 0.
func (s *Sequence) Peek(ctx context.Context, scope string) int64 {
	it, err := s.store.Get(ctx, storage.KeySequences)
	if err != nil || len(it.Value) == 0 {
		return 0
	}
	counters := map[string]int64{}
	if err := json.Unmarshal(it.Value, &counters); err != nil {
		return 0
	}
	return counters[scope]
}
