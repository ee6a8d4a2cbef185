package index

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"mrindex/internal/changelog"
	"mrindex/internal/docstore"
	"mrindex/internal/mapreduce"
	"mrindex/internal/metrics"
	"mrindex/internal/model"
	"mrindex/internal/state"
)

func order(company string, amounts ...string) *model.Order {
	o := &model.Order{Company: company}
	for _, a := range amounts {
		o.Lines = append(o.Lines, model.OrderLine{Quantity: 1, PricePerUnit: decimal.RequireFromString(a)})
	}
	return o
}

func put(etag uint64, id string, o *model.Order) docstore.Change {
	return docstore.Change{Etag: etag, Kind: docstore.ChangePut, OrderID: id, Order: o}
}

func del(etag uint64, id string) docstore.Change {
	return docstore.Change{Etag: etag, Kind: docstore.ChangeDelete, OrderID: id}
}

type captureWriter struct{ deltas []changelog.Delta }

func (c *captureWriter) Append(_ context.Context, d changelog.Delta) error {
	c.deltas = append(c.deltas, d)
	return nil
}

type sliceSource []model.Order

func (s sliceSource) Orders(ctx context.Context, fn func(model.Order) error) error {
	for _, o := range s {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func newTestIndexer(def mapreduce.Definition) (*Indexer, *test.Hook, *metrics.Registry) {
	logger, hook := test.NewNullLogger()
	mreg := metrics.NewRegistry()
	ix := New(def, state.NewInMemoryStore(), Options{Logger: logger, Metrics: mreg})
	return ix, hook, mreg
}

func mustApply(t *testing.T, ix *Indexer, ch docstore.Change) Result {
	t.Helper()
	res, err := ix.Apply(context.Background(), ch)
	if err != nil {
		t.Fatalf("apply etag %d: %v", ch.Etag, err)
	}
	return res
}

func mustTotals(t *testing.T, ix *Indexer) []model.CompanyOrdersTotal {
	t.Helper()
	got, err := ix.Totals()
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	return got
}

func sameTotals(a, b []model.CompanyOrdersTotal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].CompanyID != b[i].CompanyID || !a[i].Total.Equal(b[i].Total) {
			return false
		}
	}
	return true
}

func TestIndexer_PutUpdateDelete(t *testing.T) {
	ix, _, _ := newTestIndexer(mapreduce.CompanyOrderTotals)

	mustApply(t, ix, put(1, "orders/1", order("companies/1", "10", "5")))
	mustApply(t, ix, put(2, "orders/2", order("companies/2", "8")))
	mustApply(t, ix, put(3, "orders/3", order("companies/1", "2.5")))
	want := []model.CompanyOrdersTotal{
		{CompanyID: "companies/1", Total: decimal.RequireFromString("17.5")},
		{CompanyID: "companies/2", Total: decimal.NewFromInt(8)},
	}
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after puts: %v", got)
	}

	// move orders/3 to companies/2 with a new amount
	mustApply(t, ix, put(4, "orders/3", order("companies/2", "1")))
	want = []model.CompanyOrdersTotal{
		{CompanyID: "companies/1", Total: decimal.NewFromInt(15)},
		{CompanyID: "companies/2", Total: decimal.NewFromInt(9)},
	}
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after move: %v", got)
	}

	mustApply(t, ix, del(5, "orders/1"))
	want = want[1:]
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after delete: %v", got)
	}
	st, ok := ix.Store().Get("companies/1")
	if !ok || st.Live() || st.LastSeq != 4 {
		t.Fatalf("companies/1 should be a tombstone with seq 4, got %+v ok=%v", st, ok)
	}

	// deleting an unknown order is a no-op
	if res := mustApply(t, ix, del(6, "orders/404")); len(res.Deltas) != 0 {
		t.Fatalf("unexpected deltas: %+v", res.Deltas)
	}
}

func TestIndexer_UnchangedPutEmitsNothing(t *testing.T) {
	ix, _, _ := newTestIndexer(mapreduce.CompanyOrderTotalsByOrder)
	mustApply(t, ix, put(1, "orders/1", order("companies/1", "10")))
	res := mustApply(t, ix, put(2, "orders/1", order("companies/1", "4", "6")))
	if len(res.Deltas) != 0 {
		t.Fatalf("same per-order total must not change aggregates: %+v", res.Deltas)
	}
}

func TestIndexer_ChangelogCarriesMappedRecords(t *testing.T) {
	cw := &captureWriter{}
	ix := New(mapreduce.CompanyOrderTotals, state.NewInMemoryStore(), Options{Changelog: cw, Logger: logrus.New()})
	ctx := context.Background()

	if _, err := ix.Apply(ctx, put(1, "orders/1", order("companies/1", "3", "4"))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := ix.Apply(ctx, del(2, "orders/1")); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if len(cw.deltas) != 2 {
		t.Fatalf("want 2 deltas, got %+v", cw.deltas)
	}
	first, second := cw.deltas[0], cw.deltas[1]
	if first.Index != "CompanyOrderTotals" || first.Key != "companies/1" || first.Seq != 1 ||
		!first.Delta.Equal(decimal.NewFromInt(7)) || first.DeltaEntries != 2 || len(first.Mapped) != 2 {
		t.Fatalf("unexpected first delta: %+v", first)
	}
	if second.Seq != 2 || !second.Delta.Equal(decimal.NewFromInt(-7)) || second.DeltaEntries != -2 || second.Mapped != nil {
		t.Fatalf("unexpected delete delta: %+v", second)
	}
}

func TestIndexer_RejectsMalformedOrder(t *testing.T) {
	ix, hook, mreg := newTestIndexer(mapreduce.CompanyOrderTotals)
	mustApply(t, ix, put(1, "orders/1", order("companies/1", "10")))

	bad := order("companies/1", "5")
	bad.Lines[0].Quantity = -1
	_, err := ix.Apply(context.Background(), put(2, "orders/1", bad))
	var ve *model.ValidationError
	if !errors.As(err, &ve) || !IsDataError(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel || e.Data["order"] != "orders/1" {
		t.Fatalf("rejection not logged: %+v", e)
	}
	if n := testutil.ToFloat64(mreg.OrdersRejected.WithLabelValues("CompanyOrderTotals")); n != 1 {
		t.Fatalf("rejected counter=%v", n)
	}
	// previous version still counts
	if got := mustTotals(t, ix); len(got) != 1 || !got[0].Total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("index changed by rejected order: %v", got)
	}

	if _, err := ix.Apply(context.Background(), put(3, "orders/2", order(""))); !errors.Is(err, model.ErrMissingCompany) {
		t.Fatalf("want ErrMissingCompany, got %v", err)
	}
}

func TestIndexer_OverflowSkipsOnlyThatCompany(t *testing.T) {
	ix, _, mreg := newTestIndexer(mapreduce.CompanyOrderTotalsByOrder)
	mustApply(t, ix, put(1, "orders/1", order("companies/1", mapreduce.MaxTotal.String())))
	mustApply(t, ix, put(2, "orders/2", order("companies/2", "1")))

	_, err := ix.Apply(context.Background(), put(3, "orders/2", order("companies/1", "1")))
	var oe *mapreduce.OverflowError
	if !errors.As(err, &oe) || oe.CompanyID != "companies/1" {
		t.Fatalf("want overflow on companies/1, got %v", err)
	}
	if n := testutil.ToFloat64(mreg.ReduceErrors.WithLabelValues("CompanyOrderTotalsByOrder")); n != 1 {
		t.Fatalf("reduce error counter=%v", n)
	}
	want := []model.CompanyOrdersTotal{{CompanyID: "companies/1", Total: mapreduce.MaxTotal}}
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("companies/1 must keep its total and companies/2 must be retracted: %v", got)
	}

	// the skipped record is not retracted later
	mustApply(t, ix, del(4, "orders/2"))
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after delete: %v", got)
	}
}

func randomOrder(r *rand.Rand) *model.Order {
	companies := []string{"companies/1", "companies/2", "companies/3", "Companies/1"}
	o := &model.Order{Company: companies[r.Intn(len(companies))]}
	for i := r.Intn(4); i > 0; i-- {
		o.Lines = append(o.Lines, model.OrderLine{
			Quantity:     int64(r.Intn(20)),
			PricePerUnit: decimal.New(int64(r.Intn(100000)), -2),
			Discount:     decimal.New(int64(r.Intn(100)), -2),
		})
	}
	return o
}

func TestIndexer_IncrementalMatchesRebuild(t *testing.T) {
	for _, def := range mapreduce.Definitions() {
		t.Run(def.Name, func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			ix, _, _ := newTestIndexer(def)
			live := map[string]*model.Order{}
			for etag := uint64(1); etag <= 500; etag++ {
				id := fmt.Sprintf("orders/%d", r.Intn(60)+1)
				if _, ok := live[id]; ok && r.Intn(4) == 0 {
					delete(live, id)
					mustApply(t, ix, del(etag, id))
					continue
				}
				o := randomOrder(r)
				live[id] = o
				mustApply(t, ix, put(etag, id, o))
			}

			var src sliceSource
			for id, o := range live {
				cp := *o
				cp.ID = id
				src = append(src, cp)
			}
			fresh, _, _ := newTestIndexer(def)
			if _, err := fresh.Rebuild(context.Background(), src); err != nil {
				t.Fatalf("rebuild: %v", err)
			}
			got, want := mustTotals(t, ix), mustTotals(t, fresh)
			if !sameTotals(got, want) {
				t.Fatalf("incremental %v != rebuilt %v", got, want)
			}
		})
	}
}

func TestRebuild_KeepsSequencesMonotonic(t *testing.T) {
	ix, _, _ := newTestIndexer(mapreduce.CompanyOrderTotals)
	mustApply(t, ix, put(1, "orders/1", order("companies/1", "1")))
	mustApply(t, ix, put(2, "orders/2", order("companies/1", "2")))
	mustApply(t, ix, put(3, "orders/3", order("companies/9", "2")))

	src := sliceSource{
		{ID: "orders/1", Company: "companies/1", Lines: order("", "1").Lines},
		{ID: "orders/7", Company: "", Lines: order("", "1").Lines},
	}
	res, err := ix.Rebuild(context.Background(), src)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Orders != 2 || res.Rejected != 1 || res.Companies != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	st, _ := ix.Store().Get("companies/1")
	if st.LastSeq != 3 || st.Entries != 1 || !st.Total.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected companies/1 state: %+v", st)
	}
	gone, ok := ix.Store().Get("companies/9")
	if !ok || gone.Live() || gone.LastSeq != 2 {
		t.Fatalf("companies/9 should be a tombstone: %+v ok=%v", gone, ok)
	}
	if _, ok, _ := ix.Store().Mapped("orders/2"); ok {
		t.Fatalf("orders/2 mapped records should be gone")
	}

	// a replayed delta with an old seq must not apply
	applied, _, err := ix.Store().Apply("companies/1", decimal.NewFromInt(5), 1, 2)
	if err != nil || applied {
		t.Fatalf("stale delta applied=%v err=%v", applied, err)
	}
}

func TestRebuild_OverflowingCompanyKeepsNoRecords(t *testing.T) {
	ix, _, mreg := newTestIndexer(mapreduce.CompanyOrderTotals)
	big := "39614081257132168796771975177" // (MaxTotal-1)/2 + 10
	src := sliceSource{
		{ID: "orders/1", Company: "companies/1", Lines: order("", big).Lines},
		{ID: "orders/2", Company: "companies/1", Lines: order("", big).Lines},
		{ID: "orders/3", Company: "companies/2", Lines: order("", "5").Lines},
	}
	res, err := ix.Rebuild(context.Background(), src)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Companies != 1 {
		t.Fatalf("want only companies/2 rebuilt: %+v", res)
	}
	if n := testutil.ToFloat64(mreg.ReduceErrors.WithLabelValues("CompanyOrderTotals")); n != 1 {
		t.Fatalf("reduce error counter=%v", n)
	}
	if recs, _, _ := ix.Store().Mapped("orders/1"); len(recs) != 0 {
		t.Fatalf("orders/1 must not keep records for the overflowing company: %v", recs)
	}

	want := []model.CompanyOrdersTotal{{CompanyID: "companies/2", Total: decimal.NewFromInt(5)}}
	mustApply(t, ix, del(10, "orders/1"))
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after delete: %v", got)
	}

	mustApply(t, ix, put(11, "orders/2", order("companies/1", "1")))
	want = []model.CompanyOrdersTotal{
		{CompanyID: "companies/1", Total: decimal.NewFromInt(1)},
		{CompanyID: "companies/2", Total: decimal.NewFromInt(5)},
	}
	if got := mustTotals(t, ix); !sameTotals(got, want) {
		t.Fatalf("after put: %v", got)
	}
	if st, _ := ix.Store().Get("companies/1"); st.Entries != 1 {
		t.Fatalf("companies/1 entries=%d", st.Entries)
	}
}

func TestIndexer_CheckpointExcludesApply(t *testing.T) {
	ix, _, _ := newTestIndexer(mapreduce.CompanyOrderTotals)
	mustApply(t, ix, put(1, "orders/1", order("companies/1", "10")))

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ix.Checkpoint(func(st state.Store) error {
			close(inside)
			<-release
			_, ok := st.Get("companies/2")
			if ok {
				return errors.New("apply ran during checkpoint")
			}
			return nil
		})
	}()
	<-inside

	applied := make(chan struct{})
	go func() {
		_, _ = ix.Apply(context.Background(), put(2, "orders/2", order("companies/2", "5")))
		close(applied)
	}()
	select {
	case <-applied:
		t.Fatalf("apply finished while checkpoint held the index")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	<-applied
}
