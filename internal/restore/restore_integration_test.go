package restore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"mrindex/internal/changelog"
	"mrindex/internal/docstore"
	"mrindex/internal/index"
	"mrindex/internal/manifest"
	"mrindex/internal/mapreduce"
	"mrindex/internal/model"
	"mrindex/internal/snapshot"
	"mrindex/internal/state"
)

func order(company string, amounts ...int64) *model.Order {
	o := &model.Order{Company: company}
	for _, a := range amounts {
		o.Lines = append(o.Lines, model.OrderLine{Quantity: 1, PricePerUnit: decimal.NewFromInt(a)})
	}
	return o
}

func put(etag uint64, id string, o *model.Order) docstore.Change {
	o.ID = id
	return docstore.Change{Etag: etag, Kind: docstore.ChangePut, OrderID: id, Order: o}
}

// Integration: index -> snapshot -> manifest -> changelog -> RestoreAndReplay.
// The restored store must match the live one, mapped records included.
func TestIntegration_RestoreAndReplay_EndToEnd(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	clog, err := changelog.NewFileWriter(filepath.Join(base, "changelog"), "CompanyOrderTotals.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	live := state.NewInMemoryStore()
	ix := index.New(mapreduce.CompanyOrderTotals, live, index.Options{Changelog: clog})

	for _, ch := range []docstore.Change{
		put(1, "orders/1", order("companies/1", 100)),
		put(2, "orders/2", order("companies/2", 50)),
	} {
		if _, err := ix.Apply(ctx, ch); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	snap := snapshot.NewFilesystemSnapshotter(filepath.Join(base, "snapshots"))
	var offset int64
	if err := ix.Checkpoint(func(st state.Store) error {
		offset = clog.Offset()
		return snap.WriteSnapshot("sid-int", st)
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	mf := manifest.NewFilesystemManifest(filepath.Join(base, "manifests"))
	if err := mf.PublishLatest("sid-int", offset); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	for _, ch := range []docstore.Change{
		put(3, "orders/1", order("companies/1", 130)),
		put(4, "orders/3", order("companies/3", 5)),
		{Etag: 5, Kind: docstore.ChangeDelete, OrderID: "orders/2"},
	} {
		if _, err := ix.Apply(ctx, ch); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	restored := state.NewInMemoryStore()
	r := NewRestorer(restored, mf, snap.BaseDir(), clog.Path(), nil)
	res, err := r.RestoreAndReplay()
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if res.Applied != 3 || res.Skipped != 0 {
		t.Fatalf("result unexpected: %+v", res)
	}

	want, _ := state.DumpStore(live)
	got, _ := state.DumpStore(restored)
	if len(want.Aggregates) != len(got.Aggregates) {
		t.Fatalf("aggregates: want %d got %d", len(want.Aggregates), len(got.Aggregates))
	}
	for k, w := range want.Aggregates {
		if g := got.Aggregates[k]; !g.Equal(w) {
			t.Fatalf("%s: want %+v got %+v", k, w, g)
		}
	}
	if len(want.Mapped) != len(got.Mapped) {
		t.Fatalf("mapped: want %v got %v", want.Mapped, got.Mapped)
	}
	if _, ok := got.Mapped["orders/2"]; ok {
		t.Fatalf("deleted order restored")
	}

	// Replaying the same changelog again changes nothing.
	again := r.ReplayChangelog(clog.Path(), 0)
	if again.Error != nil || again.Applied != 0 {
		t.Fatalf("second replay: %+v", again)
	}
}
