package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"mrindex/internal/docstore"
	"mrindex/internal/model"
)

// Included is one prefetched company. Found is false for ids that do not
// resolve to a stored company.
type Included struct {
	Company *model.Company
	Found   bool
}

// Prefetch maps company ids to their prefetched documents. It is returned
// next to a page so callers can resolve related companies without another
// round trip.
type Prefetch map[string]Included

// Company returns the prefetched company for id.
func (p Prefetch) Company(id string) (*model.Company, bool) {
	inc, ok := p[id]
	if !ok || !inc.Found {
		return nil, false
	}
	return inc.Company, true
}

type companyReader struct {
	session *docstore.Session
	batches int
}

func (r *companyReader) getCompanies(ctx context.Context, ids []string) []*dataloader.Result[*model.Company] {
	r.batches++
	found, err := r.session.LoadCompanies(ctx, ids)
	if err != nil {
		return handleError[*model.Company](len(ids), err)
	}
	results := make([]*dataloader.Result[*model.Company], 0, len(ids))
	for _, id := range ids {
		if c, ok := found[id]; ok {
			results = append(results, &dataloader.Result[*model.Company]{Data: c})
			continue
		}
		results = append(results, &dataloader.Result[*model.Company]{Error: fmt.Errorf("%s: %w", id, docstore.ErrNotFound)})
	}
	return results
}

// handleError repeats err for every requested key.
func handleError[T any](n int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], n)
	for i := 0; i < n; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

func newCompanyLoader(r *companyReader) *dataloader.Loader[string, *model.Company] {
	return dataloader.NewBatchedLoader(r.getCompanies, dataloader.WithWait[string, *model.Company](time.Millisecond))
}

// prefetchCompanies resolves ids through one batched lookup on session.
func prefetchCompanies(ctx context.Context, session *docstore.Session, ids []string) (Prefetch, int, error) {
	out := make(Prefetch, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := out[id]; dup {
			continue
		}
		out[id] = Included{}
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return out, 0, nil
	}

	reader := &companyReader{session: session}
	loader := newCompanyLoader(reader)
	companies, errs := loader.LoadMany(ctx, keys)()
	for i, id := range keys {
		if len(errs) > i && errs[i] != nil {
			if errors.Is(errs[i], docstore.ErrNotFound) {
				continue
			}
			return nil, reader.batches, fmt.Errorf("prefetch %s: %w", id, errs[i])
		}
		out[id] = Included{Company: companies[i], Found: true}
	}
	return out, reader.batches, nil
}
