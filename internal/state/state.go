package state

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"mrindex/internal/mapreduce"
	"mrindex/internal/model"
)

// RecordState is the reduced aggregate stored per company.
// Entries counts the map records folded into Total; a state with no entries
// is a tombstone kept so that LastSeq survives deletion of the company.
type RecordState struct {
	Total   decimal.Decimal `json:"total"`
	Entries int64           `json:"entries"`
	LastSeq int64           `json:"lastSeq"`
}

// Live reports whether the company still has contributing records.
func (s RecordState) Live() bool { return s.Entries > 0 }

func (s RecordState) Equal(o RecordState) bool {
	return s.Total.Equal(o.Total) && s.Entries == o.Entries && s.LastSeq == o.LastSeq
}

// Dump is the full content of a store, as written to snapshots.
type Dump struct {
	Aggregates map[string]RecordState                `json:"aggregates"`
	Mapped     map[string][]model.CompanyOrdersTotal `json:"mapped"`
}

// Store abstracts the index state backend: reduced aggregates keyed by
// company and the mapped records last emitted per order.
type Store interface {
	Apply(key string, deltaTotal decimal.Decimal, deltaEntries int64, seq int64) (applied bool, newState RecordState, err error)
	Get(key string) (RecordState, bool)
	Range(fn func(key string, st RecordState) error) error
	LoadAll(dump Dump) error

	Mapped(orderID string) ([]model.CompanyOrdersTotal, bool, error)
	SetMapped(orderID string, recs []model.CompanyOrdersTotal) error
	RangeMapped(fn func(orderID string, recs []model.CompanyOrdersTotal) error) error
}

// fold re-reduces the current aggregate with a delta. seq <= LastSeq is a
// replayed or duplicate delta and is not applied.
func fold(key string, cur RecordState, deltaTotal decimal.Decimal, deltaEntries int64, seq int64) (bool, RecordState, error) {
	if seq <= cur.LastSeq {
		return false, cur, nil
	}
	reduced, err := mapreduce.Reduce([]model.CompanyOrdersTotal{
		{CompanyID: key, Total: cur.Total},
		{CompanyID: key, Total: deltaTotal},
	})
	if err != nil {
		return false, cur, err
	}
	next := RecordState{Total: reduced[0].Total, Entries: cur.Entries + deltaEntries, LastSeq: seq}
	if next.Entries < 0 {
		return false, cur, fmt.Errorf("key %q: entries would drop to %d", key, next.Entries)
	}
	if next.Entries == 0 {
		next.Total = decimal.Zero
	}
	return true, next, nil
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string]RecordState
	mapped map[string][]model.CompanyOrdersTotal
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data:   make(map[string]RecordState),
		mapped: make(map[string][]model.CompanyOrdersTotal),
	}
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(dump Dump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]RecordState, len(dump.Aggregates))
	for k, v := range dump.Aggregates {
		s.data[k] = v
	}
	s.mapped = make(map[string][]model.CompanyOrdersTotal, len(dump.Mapped))
	for k, v := range dump.Mapped {
		s.mapped[k] = append([]model.CompanyOrdersTotal(nil), v...)
	}
	return nil
}

func (s *InMemoryStore) Apply(key string, deltaTotal decimal.Decimal, deltaEntries int64, seq int64) (bool, RecordState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied, next, err := fold(key, s.data[key], deltaTotal, deltaEntries, seq)
	if err != nil || !applied {
		return applied, next, err
	}
	s.data[key] = next
	return true, next, nil
}

func (s *InMemoryStore) Get(key string) (RecordState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[key]
	return st, ok
}

func (s *InMemoryStore) Range(fn func(key string, st RecordState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *InMemoryStore) Mapped(orderID string) ([]model.CompanyOrdersTotal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.mapped[orderID]
	return append([]model.CompanyOrdersTotal(nil), recs...), ok, nil
}

// SetMapped records the map output of an order; nil removes it.
func (s *InMemoryStore) SetMapped(orderID string, recs []model.CompanyOrdersTotal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recs == nil {
		delete(s.mapped, orderID)
		return nil
	}
	s.mapped[orderID] = append([]model.CompanyOrdersTotal(nil), recs...)
	return nil
}

func (s *InMemoryStore) RangeMapped(fn func(orderID string, recs []model.CompanyOrdersTotal) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.mapped {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// DumpStore collects the full content of st.
func DumpStore(st Store) (Dump, error) {
	dump := Dump{
		Aggregates: make(map[string]RecordState),
		Mapped:     make(map[string][]model.CompanyOrdersTotal),
	}
	if err := st.Range(func(key string, rs RecordState) error {
		dump.Aggregates[key] = rs
		return nil
	}); err != nil {
		return Dump{}, err
	}
	if err := st.RangeMapped(func(orderID string, recs []model.CompanyOrdersTotal) error {
		dump.Mapped[orderID] = recs
		return nil
	}); err != nil {
		return Dump{}, err
	}
	return dump, nil
}
