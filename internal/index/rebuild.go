package index

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"mrindex/internal/mapreduce"
	"mrindex/internal/model"
	"mrindex/internal/state"
)

// OrderSource enumerates every stored order. *docstore.DB implements it.
type OrderSource interface {
	Orders(ctx context.Context, fn func(model.Order) error) error
}

type RebuildResult struct {
	Orders    int
	Rejected  int
	Companies int
}

// Rebuild recomputes the whole index from src and replaces the store
// content. Orders are mapped in parallel; rejected orders are logged and
// left out. Per-company sequence numbers continue from the previous state
// so that replaying an older changelog cannot resurrect stale totals.
func (ix *Indexer) Rebuild(ctx context.Context, src OrderSource) (RebuildResult, error) {
	var res RebuildResult
	var orders []model.Order
	if err := src.Orders(ctx, func(o model.Order) error {
		orders = append(orders, o)
		return nil
	}); err != nil {
		return res, fmt.Errorf("scan orders: %w", err)
	}
	res.Orders = len(orders)

	mapped := make([][]model.CompanyOrdersTotal, len(orders))
	rejected := make([]error, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range orders {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := ix.mapOrder(orders[i])
			if err != nil {
				rejected[i] = err
				return nil
			}
			mapped[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dump := state.Dump{
		Aggregates: make(map[string]state.RecordState),
		Mapped:     make(map[string][]model.CompanyOrdersTotal),
	}
	var all []model.CompanyOrdersTotal
	for i, o := range orders {
		if rejected[i] != nil {
			res.Rejected++
			ix.reject(ix.log.WithField("order", o.ID), rejected[i])
			continue
		}
		all = append(all, mapped[i]...)
	}
	reduced, err := ix.def.Reduce(all)
	// Overflowing companies are reported and left out of the rebuilt index,
	// records included, so later changes to their orders retract nothing.
	overflowing := mapreduce.OverflowingCompanies(err)
	if err != nil {
		ix.reject(ix.log, err)
	}
	for i, o := range orders {
		if rejected[i] != nil {
			continue
		}
		kept := mapped[i]
		if len(overflowing) > 0 {
			kept = make([]model.CompanyOrdersTotal, 0, len(mapped[i]))
			for _, r := range mapped[i] {
				if !overflowing[r.CompanyID] {
					kept = append(kept, r)
				}
			}
		}
		dump.Mapped[o.ID] = kept
	}
	counts := mapreduce.CountByCompany(all)

	err = ix.store.Range(func(key string, st state.RecordState) error {
		dump.Aggregates[key] = state.RecordState{LastSeq: st.LastSeq + 1}
		return nil
	})
	if err != nil {
		return res, err
	}
	for _, r := range reduced {
		seq := dump.Aggregates[r.CompanyID].LastSeq
		if seq == 0 {
			seq = 1
		}
		dump.Aggregates[r.CompanyID] = state.RecordState{Total: r.Total, Entries: counts[r.CompanyID], LastSeq: seq}
		res.Companies++
	}
	if err := ix.store.LoadAll(dump); err != nil {
		return res, fmt.Errorf("load rebuilt state: %w", err)
	}
	ix.log.WithField("orders", res.Orders).WithField("rejected", res.Rejected).
		WithField("companies", res.Companies).Info("index rebuilt")
	return res, nil
}
