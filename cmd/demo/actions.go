package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mrindex/internal/config"
	"mrindex/internal/docstore"
	"mrindex/internal/index"
	"mrindex/internal/mapreduce"
	"mrindex/internal/model"
	"mrindex/internal/query"
	"mrindex/internal/seed"
	"mrindex/internal/state"
)

var (
	db     *docstore.DB
	logger *logrus.Logger
)

func setup(c *cli.Context) error {
	var err error
	logger, err = config.NewLogger(c.String("log-level"), "text", os.Stderr)
	if err != nil {
		return err
	}
	dir := c.String("data-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err = docstore.Open(filepath.Join(dir, "docs.db"), docstore.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open docstore: %w", err)
	}
	if n := c.Int("seed-orders"); n > 0 {
		return seedIfEmpty(c.Context, n)
	}
	return nil
}

func teardown(*cli.Context) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

func seedIfEmpty(ctx context.Context, orders int) error {
	etag, err := db.LastEtag()
	if err != nil || etag > 0 {
		return err
	}
	corpus := seed.Generate(seed.Options{Companies: 20, Orders: orders, Seed: 1})
	if err := seed.Load(ctx, db, corpus, 100); err != nil {
		return fmt.Errorf("failed to seed: %w", err)
	}
	fmt.Printf("seeded %d companies and %d orders\n\n", len(corpus.Companies), len(corpus.Orders))
	return nil
}

// BasicsAction stores "Hibernating Rhinos" unless present, lists companies
// from the selected countries and the first recent orders with their
// companies included.
func BasicsAction(c *cli.Context) error {
	ctx := c.Context
	if err := storeNewCompany(ctx); err != nil {
		return err
	}

	fmt.Println("simple query:")
	countries := c.StringSlice("country")
	s := db.OpenSession()
	defer s.Close()
	companies, err := s.QueryCompanies(ctx, func(co model.Company) bool {
		for _, country := range countries {
			if co.Address.Country == country {
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("failed to query companies: %w", err)
	}
	for _, co := range companies {
		fmt.Println(co.Name)
	}

	fmt.Println()
	fmt.Println("query with include:")
	page, err := query.RecentOrders(ctx, s, query.RecentOptions{
		MinYear:          c.Int("min-year"),
		Limit:            c.Int("limit"),
		IncludeCompanies: true,
	})
	if err != nil {
		return err
	}
	for _, o := range page.Orders {
		name := "<unknown>"
		// served from the session cache filled by the include
		if co, err := s.LoadCompany(ctx, o.Company); err == nil {
			name = co.Name
		}
		fmt.Printf("Order Id: %s, ordered by company: %s\n", o.ID, name)
	}
	fmt.Printf("\nrequests: %d\n", s.NumberOfRequests())
	return nil
}

func storeNewCompany(ctx context.Context) error {
	s := db.OpenSession()
	defer s.Close()
	found, err := s.AnyCompany(ctx, func(co model.Company) bool { return co.Name == "Hibernating Rhinos" })
	if err != nil || found {
		return err
	}
	if err := s.Store(&model.Company{
		Name:    "Hibernating Rhinos",
		Contact: model.Contact{Name: "Michael Yarichuk", Title: "Software Developer"},
		Address: model.Address{City: "Hadera", Country: "Israel"},
	}); err != nil {
		return err
	}
	return s.SaveChanges(ctx)
}

// startIndex builds an in-memory index over every stored order and keeps it
// current with a worker until ctx is done.
func startIndex(ctx context.Context, def mapreduce.Definition) (*query.Querier, *index.Worker, error) {
	ix := index.New(def, state.NewInMemoryStore(), index.Options{Logger: logger})
	w := index.NewWorker(ix)
	w.Attach(db)
	etag, err := db.LastEtag()
	if err != nil {
		return nil, nil, err
	}
	if _, err := ix.Rebuild(ctx, db); err != nil {
		return nil, nil, err
	}
	w.ResumeFrom(etag)
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("index worker stopped")
		}
	}()
	return query.New(ix, query.Options{Worker: w, DB: db, Logger: logger}), w, nil
}

// TotalsAction prints the top companies of every selected index.
func TotalsAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	defs := mapreduce.Definitions()
	for i, name := range c.StringSlice("index") {
		def, ok := defs[name]
		if !ok {
			return fmt.Errorf("unknown index %q", name)
		}
		q, _, err := startIndex(ctx, def)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		page, err := q.Top(ctx, query.TopOptions{
			Limit:            c.Int("limit"),
			WaitForNonStale:  true,
			IncludeCompanies: true,
		})
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", name, err)
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s index - query output\n", name)
		for _, r := range page.Results {
			companyName := "<unknown>"
			if co, ok := page.Includes.Company(r.CompanyID); ok {
				companyName = co.Name
			}
			fmt.Printf("CompanyId : %s, Company Name: %s, Total: %s\n", r.CompanyID, companyName, r.Total.String())
		}
	}
	return nil
}

// ReindexAction applies every stored order incrementally, rebuilds the same
// index from scratch and reports whether both agree.
func ReindexAction(c *cli.Context) error {
	ctx := c.Context
	def, ok := mapreduce.Definitions()[c.String("index")]
	if !ok {
		return fmt.Errorf("unknown index %q", c.String("index"))
	}

	incremental := index.New(def, state.NewInMemoryStore(), index.Options{Logger: logger})
	var etag uint64
	var rejected int
	err := db.Orders(ctx, func(o model.Order) error {
		etag++
		_, err := incremental.Apply(ctx, docstore.Change{Etag: etag, Kind: docstore.ChangePut, OrderID: o.ID, Order: &o})
		if index.IsDataError(err) {
			rejected++
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply orders: %w", err)
	}

	rebuilt := index.New(def, state.NewInMemoryStore(), index.Options{Logger: logger})
	res, err := rebuilt.Rebuild(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to rebuild: %w", err)
	}

	a, err := incremental.Totals()
	if err != nil {
		return err
	}
	b, err := rebuilt.Totals()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d orders, %d rejected, %d companies\n", def.Name, res.Orders, res.Rejected, res.Companies)
	if diff := diffTotals(a, b); diff != "" {
		return fmt.Errorf("incremental and rebuilt totals differ:\n%s", diff)
	}
	fmt.Println("incremental and rebuilt totals match")
	return nil
}

func diffTotals(a, b []model.CompanyOrdersTotal) string {
	byID := make(map[string]model.CompanyOrdersTotal, len(b))
	for _, r := range b {
		byID[r.CompanyID] = r
	}
	var sb strings.Builder
	for _, r := range a {
		o, ok := byID[r.CompanyID]
		if !ok || !o.Total.Equal(r.Total) {
			fmt.Fprintf(&sb, "  %s: incremental %s, rebuilt %s\n", r.CompanyID, r.Total, o.Total)
		}
		delete(byID, r.CompanyID)
	}
	for id, o := range byID {
		fmt.Fprintf(&sb, "  %s: incremental missing, rebuilt %s\n", id, o.Total)
	}
	return sb.String()
}
