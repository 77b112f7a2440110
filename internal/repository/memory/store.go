// Package memory is a process-local implementation of the settlement
// repositories. Every method runs under one mutex, so conditional updates are
// as atomic as their SQL counterparts; WithinTx holds that mutex for the whole
// callback and restores a snapshot when the callback fails.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/honeynil/split-settlement/internal/models"
)

type txKey struct{ s *Store }

type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	nextID      int64
	instruments map[string]models.StoredValueInstrument
	legs        map[string]models.Transaction
	legOrder    map[string][]string
	groups      map[string]models.SettlementGroup
}

func NewStore() *Store {
	return &Store{
		now:         time.Now,
		instruments: make(map[string]models.StoredValueInstrument),
		legs:        make(map[string]models.Transaction),
		legOrder:    make(map[string][]string),
		groups:      make(map[string]models.SettlementGroup),
	}
}

// SetClock replaces the time source; used by tests driving lease expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Instruments() *InstrumentRepository   { return &InstrumentRepository{s: s} }
func (s *Store) Transactions() *TransactionRepository { return &TransactionRepository{s: s} }
func (s *Store) Groups() *GroupRepository             { return &GroupRepository{s: s} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// lock acquires the store mutex unless ctx already runs inside WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{s}).(bool)
	return v
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

type snapshot struct {
	nextID      int64
	instruments map[string]models.StoredValueInstrument
	legs        map[string]models.Transaction
	legOrder    map[string][]string
	groups      map[string]models.SettlementGroup
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		nextID:      s.nextID,
		instruments: make(map[string]models.StoredValueInstrument, len(s.instruments)),
		legs:        make(map[string]models.Transaction, len(s.legs)),
		legOrder:    make(map[string][]string, len(s.legOrder)),
		groups:      make(map[string]models.SettlementGroup, len(s.groups)),
	}
	for k, v := range s.instruments {
		snap.instruments[k] = v
	}
	for k, v := range s.legs {
		snap.legs[k] = v
	}
	for k, v := range s.legOrder {
		snap.legOrder[k] = append([]string(nil), v...)
	}
	for k, v := range s.groups {
		snap.groups[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.nextID = snap.nextID
	s.instruments = snap.instruments
	s.legs = snap.legs
	s.legOrder = snap.legOrder
	s.groups = snap.groups
}
