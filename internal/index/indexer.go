// Package index maintains a map/reduce definition's aggregates incrementally
// from the document store changefeed.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mrindex/internal/changelog"
	"mrindex/internal/docstore"
	"mrindex/internal/mapreduce"
	"mrindex/internal/metrics"
	"mrindex/internal/model"
	"mrindex/internal/state"
)

// ErrEmptyKey is returned when a mapper emits a record without a company.
var ErrEmptyKey = errors.New("mapper emitted a record without company id")

// IsDataError reports whether err rejects a single change rather than
// signalling a broken store.
func IsDataError(err error) bool {
	var ve *model.ValidationError
	return errors.As(err, &ve) || errors.Is(err, mapreduce.ErrOverflow) || errors.Is(err, ErrEmptyKey)
}

type Options struct {
	Changelog changelog.Writer
	Metrics   *metrics.Registry
	Logger    logrus.FieldLogger
}

// Indexer applies order changes to one index definition.
type Indexer struct {
	def   mapreduce.Definition
	store state.Store
	clog  changelog.Writer
	mreg  *metrics.Registry
	log   logrus.FieldLogger

	mu sync.Mutex
}

// NowUnix returns current time in epoch seconds. Split for testability.
var NowUnix = func() int64 { return time.Now().UTC().Unix() }

func New(def mapreduce.Definition, st state.Store, opt Options) *Indexer {
	ix := &Indexer{def: def, store: st, clog: opt.Changelog, mreg: opt.Metrics}
	if ix.clog == nil {
		ix.clog = changelog.Discard
	}
	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	ix.log = log.WithField("index", def.Name)
	return ix
}

func (ix *Indexer) Name() string                     { return ix.def.Name }
func (ix *Indexer) Definition() mapreduce.Definition { return ix.def }
func (ix *Indexer) Store() state.Store               { return ix.store }

// Result describes what one change did to the index.
type Result struct {
	Etag    uint64
	OrderID string
	Deltas  []changelog.Delta
}

func (ix *Indexer) mapOrder(o model.Order) ([]model.CompanyOrdersTotal, error) {
	recs, err := ix.def.Map(o)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.CompanyID == "" {
			return nil, fmt.Errorf("order %q: %w", o.ID, ErrEmptyKey)
		}
	}
	return recs, nil
}

// Apply folds one order change into the aggregates.
//
// The previous map output of the order is retracted and the new output is
// added, re-reducing each affected company with its stored aggregate. A
// change that fails validation is rejected and leaves the index unchanged.
// Companies whose total would overflow are skipped and reported through the
// returned error while the other companies of the change still apply.
func (ix *Indexer) Apply(ctx context.Context, ch docstore.Change) (Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	res := Result{Etag: ch.Etag, OrderID: ch.OrderID}
	log := ix.log.WithFields(logrus.Fields{"etag": ch.Etag, "order": ch.OrderID, "kind": ch.Kind.String()})

	var fresh []model.CompanyOrdersTotal
	if ch.Kind == docstore.ChangePut {
		if ch.Order == nil {
			return res, fmt.Errorf("put change %d without order", ch.Etag)
		}
		o := *ch.Order
		o.ID = ch.OrderID
		recs, err := ix.mapOrder(o)
		if err != nil {
			ix.reject(log, err)
			return res, err
		}
		fresh = recs
		if ix.mreg != nil {
			ix.mreg.OrdersMapped.WithLabelValues(ix.def.Name).Inc()
		}
	}

	old, had, err := ix.store.Mapped(ch.OrderID)
	if err != nil {
		return res, fmt.Errorf("load mapped %s: %w", ch.OrderID, err)
	}
	if len(old) == 0 && len(fresh) == 0 {
		if had {
			return res, ix.store.SetMapped(ch.OrderID, fresh)
		}
		return res, nil
	}

	deltas, err := ix.def.Reduce(append(mapreduce.Negate(old), fresh...))
	if err != nil {
		ix.reject(log, err)
		return res, err
	}
	entries := mapreduce.CountByCompany(fresh)
	for k, n := range mapreduce.CountByCompany(old) {
		entries[k] -= n
	}

	// Keys whose new total would overflow keep their current aggregate and
	// their previously mapped records; the other keys still apply.
	overflowing := make(map[string]bool)
	var overflow []error
	for _, d := range deltas {
		prev, _ := ix.store.Get(d.CompanyID)
		if _, err := ix.def.Reduce([]model.CompanyOrdersTotal{{CompanyID: d.CompanyID, Total: prev.Total}, d}); err != nil {
			overflowing[d.CompanyID] = true
			overflow = append(overflow, err)
		}
	}
	kept := fresh
	if len(overflowing) > 0 {
		kept = make([]model.CompanyOrdersTotal, 0, len(fresh))
		for _, r := range fresh {
			if !overflowing[r.CompanyID] {
				kept = append(kept, r)
			}
		}
		for _, r := range old {
			if overflowing[r.CompanyID] {
				kept = append(kept, r)
			}
		}
	}

	ts := NowUnix()
	for _, d := range deltas {
		if overflowing[d.CompanyID] || (d.Total.IsZero() && entries[d.CompanyID] == 0) {
			continue
		}
		prev, _ := ix.store.Get(d.CompanyID)
		seq := prev.LastSeq + 1
		applied, next, err := ix.store.Apply(d.CompanyID, d.Total, entries[d.CompanyID], seq)
		if err != nil {
			return res, fmt.Errorf("apply %s: %w", d.CompanyID, err)
		}
		if !applied {
			continue
		}
		delta := changelog.Delta{
			Index:        ix.def.Name,
			Key:          d.CompanyID,
			Seq:          seq,
			Delta:        d.Total,
			DeltaEntries: entries[d.CompanyID],
			OrderID:      ch.OrderID,
			Mapped:       kept,
			TS:           ts,
		}
		res.Deltas = append(res.Deltas, delta)
		log.WithFields(logrus.Fields{"company": d.CompanyID, "seq": seq, "total": next.Total.String()}).Debug("aggregate updated")
	}

	if err := ix.store.SetMapped(ch.OrderID, kept); err != nil {
		return res, fmt.Errorf("store mapped %s: %w", ch.OrderID, err)
	}

	for _, d := range res.Deltas {
		if err := ix.clog.Append(ctx, d); err != nil {
			return res, fmt.Errorf("append changelog: %w", err)
		}
		if ix.mreg != nil {
			ix.mreg.ChangelogAppended.Inc()
		}
	}
	if len(overflow) > 0 {
		err := errors.Join(overflow...)
		ix.reject(log, err)
		return res, err
	}
	return res, nil
}

func (ix *Indexer) reject(log logrus.FieldLogger, err error) {
	log.WithError(err).Warn("order change rejected")
	if ix.mreg == nil {
		return
	}
	if errors.Is(err, mapreduce.ErrOverflow) {
		ix.mreg.ReduceErrors.WithLabelValues(ix.def.Name).Inc()
		return
	}
	ix.mreg.OrdersRejected.WithLabelValues(ix.def.Name).Inc()
}

// Totals returns every live aggregate, sorted by company id.
func (ix *Indexer) Totals() ([]model.CompanyOrdersTotal, error) {
	var out []model.CompanyOrdersTotal
	err := ix.store.Range(func(key string, st state.RecordState) error {
		if st.Live() {
			out = append(out, model.CompanyOrdersTotal{CompanyID: key, Total: st.Total})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reduce doubles as a stable sort by company id.
	return ix.def.Reduce(out)
}

// Checkpoint runs fn while no change is being applied, so fn sees the store
// and the changelog at the same point.
func (ix *Indexer) Checkpoint(fn func(st state.Store) error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return fn(ix.store)
}
