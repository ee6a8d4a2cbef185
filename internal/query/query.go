// Package query serves reads over a map/reduce index: Top-N pages with an
// optional company prefetch, single-company lookups and the recent-orders
// include query.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"mrindex/internal/docstore"
	"mrindex/internal/index"
	"mrindex/internal/metrics"
	"mrindex/internal/model"
)

var (
	ErrNotFound = errors.New("aggregate not found")
	ErrNoDocs   = errors.New("no document store configured")
)

type TopOptions struct {
	Limit            int // <= 0 returns every row
	WaitForNonStale  bool
	IncludeCompanies bool
}

// Page is one Top-N result. Includes is nil unless companies were requested.
type Page struct {
	Results  []model.CompanyOrdersTotal
	Includes Prefetch
	Etag     uint64
	Stale    bool
}

type Options struct {
	Worker  *index.Worker
	DB      *docstore.DB
	Metrics *metrics.Registry
	Logger  logrus.FieldLogger
}

type Querier struct {
	ix     *index.Indexer
	worker *index.Worker
	db     *docstore.DB
	mreg   *metrics.Registry
	log    logrus.FieldLogger
}

func New(ix *index.Indexer, opt Options) *Querier {
	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Querier{
		ix:     ix,
		worker: opt.Worker,
		db:     opt.DB,
		mreg:   opt.Metrics,
		log:    log.WithField("index", ix.Name()),
	}
}

// Top returns companies ordered by Total descending, ties broken by company
// id ascending.
func (q *Querier) Top(ctx context.Context, opts TopOptions) (Page, error) {
	start := time.Now()
	defer q.observe(start)

	var page Page
	if opts.WaitForNonStale {
		if err := q.waitForNonStale(ctx); err != nil {
			return page, err
		}
	}
	if q.worker != nil {
		page.Etag = q.worker.LastIndexedEtag()
		page.Stale = q.worker.IsStale()
	}

	rows, err := q.ix.Totals()
	if err != nil {
		return page, fmt.Errorf("read totals: %w", err)
	}
	sortTop(rows)
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	page.Results = rows

	if opts.IncludeCompanies {
		if q.db == nil {
			return page, ErrNoDocs
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.CompanyID
		}
		session := q.db.OpenSession()
		defer session.Close()
		inc, _, err := prefetchCompanies(ctx, session, ids)
		if err != nil {
			return page, err
		}
		page.Includes = inc
	}
	q.log.WithFields(logrus.Fields{"rows": len(page.Results), "stale": page.Stale}).Debug("top query")
	return page, nil
}

func sortTop(rows []model.CompanyOrdersTotal) {
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].Total.Cmp(rows[j].Total); c != 0 {
			return c > 0
		}
		return rows[i].CompanyID < rows[j].CompanyID
	})
}

// Get returns the aggregate for one company.
func (q *Querier) Get(ctx context.Context, companyID string) (model.CompanyOrdersTotal, error) {
	if err := ctx.Err(); err != nil {
		return model.CompanyOrdersTotal{}, err
	}
	st, ok := q.ix.Store().Get(companyID)
	if !ok || !st.Live() {
		return model.CompanyOrdersTotal{}, fmt.Errorf("%s: %w", companyID, ErrNotFound)
	}
	return model.CompanyOrdersTotal{CompanyID: companyID, Total: st.Total}, nil
}

func (q *Querier) waitForNonStale(ctx context.Context) error {
	if q.worker == nil || q.db == nil {
		return nil
	}
	etag, err := q.db.LastEtag()
	if err != nil {
		return fmt.Errorf("read source etag: %w", err)
	}
	if err := q.worker.WaitForNonStale(ctx, etag); err != nil {
		return fmt.Errorf("wait for etag %d: %w", etag, err)
	}
	return nil
}

func (q *Querier) observe(start time.Time) {
	if q.mreg != nil {
		q.mreg.QueryLatencySec.WithLabelValues(q.ix.Name()).Observe(time.Since(start).Seconds())
	}
}

type RecentOptions struct {
	MinYear          int
	Limit            int
	IncludeCompanies bool
}

type OrdersPage struct {
	Orders   []model.Order
	Includes Prefetch
}

// RecentOrders returns the first orders placed in MinYear or later, with
// their companies prefetched in one batched lookup when requested.
func RecentOrders(ctx context.Context, session *docstore.Session, opts RecentOptions) (OrdersPage, error) {
	var page OrdersPage
	orders, err := session.QueryOrders(ctx, func(o model.Order) bool {
		return o.OrderedAt.Year() >= opts.MinYear
	}, opts.Limit)
	if err != nil {
		return page, fmt.Errorf("query orders: %w", err)
	}
	page.Orders = orders
	if !opts.IncludeCompanies {
		return page, nil
	}
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.Company
	}
	inc, _, err := prefetchCompanies(ctx, session, ids)
	if err != nil {
		return page, err
	}
	page.Includes = inc
	return page, nil
}
