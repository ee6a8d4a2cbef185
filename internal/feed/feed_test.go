package feed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"mrindex/internal/docstore"
	"mrindex/internal/model"
)

func openTestDB(t *testing.T) *docstore.DB {
	t.Helper()
	db, err := docstore.Open(filepath.Join(t.TempDir(), "docs.db"), docstore.Options{IsTesting: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeReader struct {
	readErrs  []error
	msgs      []*ck.Message
	committed []*ck.Message
	closed    bool
}

func (f *fakeReader) ReadMessage(time.Duration) (*ck.Message, error) {
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		return nil, err
	}
	if len(f.msgs) == 0 {
		return nil, ck.NewError(ck.ErrTimedOut, "timed out", false)
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessage(m *ck.Message) ([]ck.TopicPartition, error) {
	f.committed = append(f.committed, m)
	return []ck.TopicPartition{m.TopicPartition}, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func message(t *testing.T, e Event) *ck.Message {
	t.Helper()
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &ck.Message{Key: []byte(e.Key()), Value: b}
}

func TestConsumer_AppliesEventsAndCommits(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	var changes []docstore.Change
	db.Subscribe(func(c docstore.Change) { changes = append(changes, c) })

	r := &fakeReader{msgs: []*ck.Message{
		message(t, Event{Type: CompanyPut, Company: &model.Company{Name: "Vins et alcools Chevalier"}}),
		message(t, Event{Type: OrderPut, ID: "orders/10", Order: &model.Order{Company: "companies/1",
			Lines: []model.OrderLine{{Quantity: 3, PricePerUnit: decimal.NewFromInt(14)}}}}),
		{Value: []byte(`{"type":"order.put"}`)},
		message(t, Event{Type: OrderDelete, ID: "orders/10"}),
	}}
	logger, hook := test.NewNullLogger()
	c := NewConsumerWith(r, db, logger)

	for i := 0; i < 4; i++ {
		ok, err := c.Poll(ctx)
		if err != nil || !ok {
			t.Fatalf("poll %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := c.Poll(ctx); ok || err != nil {
		t.Fatalf("empty poll: ok=%v err=%v", ok, err)
	}
	if len(r.committed) != 4 {
		t.Fatalf("want every message committed, got %d", len(r.committed))
	}
	if len(hook.Entries) != 1 || !errors.Is(hook.LastEntry().Data["error"].(error), ErrBadEvent) {
		t.Fatalf("bad event not logged: %+v", hook.Entries)
	}

	s := db.OpenSession()
	defer s.Close()
	if co, err := s.LoadCompany(ctx, "companies/1"); err != nil || co.Name != "Vins et alcools Chevalier" {
		t.Fatalf("company not stored: %+v %v", co, err)
	}
	if len(changes) != 2 || changes[0].OrderID != "orders/10" || changes[1].Kind != docstore.ChangeDelete {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestConsumer_ReadErrors(t *testing.T) {
	r := &fakeReader{readErrs: []error{
		ck.NewError(ck.ErrTransport, "broker down", false),
		ck.NewError(ck.ErrFatal, "fenced", true),
	}}
	logger, hook := test.NewNullLogger()
	c := NewConsumerWith(r, openTestDB(t), logger)
	c.backoff = time.Millisecond

	if ok, err := c.Poll(context.Background()); ok || err != nil {
		t.Fatalf("transient error: ok=%v err=%v", ok, err)
	}
	if len(hook.Entries) != 1 || hook.LastEntry().Message != "read message" {
		t.Fatalf("transient error not logged: %+v", hook.Entries)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("fatal error must stop the consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.readErrs = []error{errors.New("connection reset")}
	c.backoff = time.Hour
	if _, err := c.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("backoff must end with the context, got %v", err)
	}
}

func TestEvent_Validate(t *testing.T) {
	for _, e := range []Event{
		{Type: "order.upsert"},
		{Type: OrderPut},
		{Type: CompanyPut},
		{Type: OrderDelete},
	} {
		if err := e.Validate(); !errors.Is(err, ErrBadEvent) {
			t.Fatalf("%+v: want ErrBadEvent, got %v", e, err)
		}
	}
	if _, err := Decode([]byte("{")); !errors.Is(err, ErrBadEvent) {
		t.Fatalf("want ErrBadEvent for bad json, got %v", err)
	}
}

type fakeProducer struct {
	msgs                     []*ck.Message
	failDelivery             bool
	inited, begun, committed int
	aborted                  int
}

func (f *fakeProducer) Produce(msg *ck.Message, delivery chan ck.Event) error {
	f.msgs = append(f.msgs, msg)
	out := *msg
	if f.failDelivery {
		out.TopicPartition.Error = errors.New("broker down")
	}
	delivery <- &out
	return nil
}

func (f *fakeProducer) Flush(int) int { return 0 }
func (f *fakeProducer) InitTransactions(context.Context) error { f.inited++; return nil }
func (f *fakeProducer) BeginTransaction() error { f.begun++; return nil }
func (f *fakeProducer) CommitTransaction(context.Context) error { f.committed++; return nil }
func (f *fakeProducer) AbortTransaction(context.Context) error { f.aborted++; return nil }
func (f *fakeProducer) Close() {}

func TestPublisher_Transactional(t *testing.T) {
	fp := &fakeProducer{}
	p, err := NewPublisherWith(fp, "mrindex.orders", true)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	err = p.Publish(context.Background(),
		Event{Type: OrderPut, Order: &model.Order{Company: "companies/3"}},
		Event{Type: OrderDelete, ID: "orders/1"},
	)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fp.inited != 1 || fp.begun != 1 || fp.committed != 1 || fp.aborted != 0 {
		t.Fatalf("unexpected tx calls: %+v", fp)
	}
	if len(fp.msgs) != 2 || string(fp.msgs[0].Key) != "companies/3" || string(fp.msgs[1].Key) != "orders/1" {
		t.Fatalf("unexpected messages: %+v", fp.msgs)
	}
	if *fp.msgs[0].TopicPartition.Topic != "mrindex.orders" {
		t.Fatalf("bad topic")
	}
}

func TestPublisher_DeliveryFailureAborts(t *testing.T) {
	fp := &fakeProducer{failDelivery: true}
	p, _ := NewPublisherWith(fp, "mrindex.orders", true)
	if err := p.Publish(context.Background(), Event{Type: OrderDelete, ID: "orders/1"}); err == nil {
		t.Fatalf("expected delivery error")
	}
	if fp.aborted != 1 || fp.committed != 0 {
		t.Fatalf("failed batch must abort: %+v", fp)
	}
}

type fakeGroupConsumer struct {
	fakeReader
}

func (f *fakeGroupConsumer) GetConsumerGroupMetadata() (*ck.ConsumerGroupMetadata, error) {
	return &ck.ConsumerGroupMetadata{}, nil
}

type fakeTxProducer struct {
	fakeProducer
	offsets [][]ck.TopicPartition
}

func (f *fakeTxProducer) SendOffsetsToTransaction(_ context.Context, offsets []ck.TopicPartition, _ *ck.ConsumerGroupMetadata) error {
	f.offsets = append(f.offsets, offsets)
	return nil
}

func TestRelay_ForwardsValidAndDeadLettersBad(t *testing.T) {
	in := "mrindex.orders.raw"
	good := message(t, Event{Type: OrderPut, ID: "orders/1", Order: &model.Order{Company: "companies/1",
		Lines: []model.OrderLine{{Quantity: 1, PricePerUnit: decimal.NewFromInt(3)}}}})
	bad := message(t, Event{Type: OrderPut, ID: "orders/2", Order: &model.Order{Company: "companies/1",
		Lines: []model.OrderLine{{Quantity: 1, PricePerUnit: decimal.NewFromInt(-3)}}}})
	good.TopicPartition = ck.TopicPartition{Topic: &in, Partition: 0, Offset: 7}
	bad.TopicPartition = ck.TopicPartition{Topic: &in, Partition: 0, Offset: 8}

	c := &fakeGroupConsumer{fakeReader{msgs: []*ck.Message{good, bad}}}
	p := &fakeTxProducer{}
	logger, hook := test.NewNullLogger()
	r, err := NewRelayWith(c, p, "mrindex.orders", "mrindex.orders.dlq", logger)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	for i := 0; i < 2; i++ {
		if ok, err := r.Step(context.Background()); !ok || err != nil {
			t.Fatalf("step %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := r.Step(context.Background()); ok || err != nil {
		t.Fatalf("idle step: ok=%v err=%v", ok, err)
	}

	if p.begun != 2 || p.committed != 2 || p.aborted != 0 {
		t.Fatalf("unexpected tx calls: %+v", p.fakeProducer)
	}
	if len(p.msgs) != 2 || *p.msgs[0].TopicPartition.Topic != "mrindex.orders" || *p.msgs[1].TopicPartition.Topic != "mrindex.orders.dlq" {
		t.Fatalf("unexpected routing: %+v", p.msgs)
	}
	if len(p.offsets) != 2 || p.offsets[0][0].Offset != 8 || p.offsets[1][0].Offset != 9 {
		t.Fatalf("offsets must point past the relayed message: %+v", p.offsets)
	}
	if len(c.committed) != 0 {
		t.Fatalf("relay must not commit offsets outside the transaction")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "dead-lettering feed event" {
		t.Fatalf("bad event not logged")
	}
}

func TestRelay_DeliveryFailureAborts(t *testing.T) {
	msg := message(t, Event{Type: OrderDelete, ID: "orders/1"})
	c := &fakeGroupConsumer{fakeReader{msgs: []*ck.Message{msg}}}
	p := &fakeTxProducer{fakeProducer: fakeProducer{failDelivery: true}}
	r, _ := NewRelayWith(c, p, "mrindex.orders", "", nil)
	if _, err := r.Step(context.Background()); err == nil {
		t.Fatalf("expected delivery error")
	}
	if p.aborted != 1 || p.committed != 0 || len(p.offsets) != 0 {
		t.Fatalf("failed relay must abort without offsets: %+v", p)
	}
}

func TestRelay_FatalReadErrorStops(t *testing.T) {
	c := &fakeGroupConsumer{fakeReader{readErrs: []error{ck.NewError(ck.ErrFatal, "fenced", true)}}}
	p := &fakeTxProducer{}
	r, _ := NewRelayWith(c, p, "mrindex.orders", "", nil)
	if _, err := r.Step(context.Background()); err == nil {
		t.Fatalf("expected fatal read error")
	}
	if p.begun != 0 {
		t.Fatalf("no transaction may start on a failed read: %+v", p.fakeProducer)
	}
}
