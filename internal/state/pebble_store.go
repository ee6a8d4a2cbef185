package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"mrindex/internal/model"
)

const (
	aggPrefix    = "agg/"
	mappedPrefix = "map/"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-modify-write in Apply
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodePebbleState(st RecordState) ([]byte, error) { return json.Marshal(st) }
func decodePebbleState(val []byte) (RecordState, error) {
	var st RecordState
	if err := json.Unmarshal(val, &st); err != nil {
		return RecordState{}, err
	}
	return st, nil
}

// prefixUpperBound returns the first key after every key starting with prefix.
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (p *PebbleStore) get(k []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (p *PebbleStore) Apply(key string, deltaTotal decimal.Decimal, deltaEntries int64, seq int64) (bool, RecordState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := []byte(aggPrefix + key)
	var cur RecordState
	v, ok, err := p.get(k)
	if err != nil {
		return false, RecordState{}, err
	}
	if ok {
		if cur, err = decodePebbleState(v); err != nil {
			return false, RecordState{}, err
		}
	}
	applied, next, err := fold(key, cur, deltaTotal, deltaEntries, seq)
	if err != nil || !applied {
		return applied, next, err
	}
	bytes, err := encodePebbleState(next)
	if err != nil {
		return false, RecordState{}, err
	}
	if err := p.db.Set(k, bytes, pebble.NoSync); err != nil {
		return false, RecordState{}, err
	}
	return true, next, nil
}

func (p *PebbleStore) Get(key string) (RecordState, bool) {
	v, ok, err := p.get([]byte(aggPrefix + key))
	if err != nil || !ok {
		return RecordState{}, false
	}
	st, e := decodePebbleState(v)
	if e != nil {
		return RecordState{}, false
	}
	return st, true
}

func (p *PebbleStore) scan(prefix string, fn func(key string, val []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key()[len(prefix):])
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleStore) Range(fn func(key string, st RecordState) error) error {
	return p.scan(aggPrefix, func(key string, val []byte) error {
		st, err := decodePebbleState(val)
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		return fn(key, st)
	})
}

func (p *PebbleStore) Mapped(orderID string) ([]model.CompanyOrdersTotal, bool, error) {
	v, ok, err := p.get([]byte(mappedPrefix + orderID))
	if err != nil || !ok {
		return nil, false, err
	}
	var recs []model.CompanyOrdersTotal
	if err := json.Unmarshal(v, &recs); err != nil {
		return nil, false, fmt.Errorf("decode mapped %q: %w", orderID, err)
	}
	return recs, true, nil
}

// SetMapped records the map output of an order; nil removes it.
func (p *PebbleStore) SetMapped(orderID string, recs []model.CompanyOrdersTotal) error {
	k := []byte(mappedPrefix + orderID)
	if recs == nil {
		return p.db.Delete(k, pebble.NoSync)
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return p.db.Set(k, b, pebble.NoSync)
}

func (p *PebbleStore) RangeMapped(fn func(orderID string, recs []model.CompanyOrdersTotal) error) error {
	return p.scan(mappedPrefix, func(key string, val []byte) error {
		var recs []model.CompanyOrdersTotal
		if err := json.Unmarshal(val, &recs); err != nil {
			return fmt.Errorf("decode mapped %q: %w", key, err)
		}
		return fn(key, recs)
	})
}

// LoadAll replaces all keys with the snapshot content.
func (p *PebbleStore) LoadAll(dump Dump) error {
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, prefix := range []string{aggPrefix, mappedPrefix} {
		if err := wb.DeleteRange([]byte(prefix), prefixUpperBound(prefix), nil); err != nil {
			return err
		}
	}
	for k, st := range dump.Aggregates {
		b, err := encodePebbleState(st)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(aggPrefix+k), b, nil); err != nil {
			return err
		}
	}
	for k, recs := range dump.Mapped {
		b, err := json.Marshal(recs)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(mappedPrefix+k), b, nil); err != nil {
			return err
		}
	}
	return wb.Commit(pebble.Sync)
}
