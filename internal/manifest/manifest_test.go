package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestPublishAndReadLatest(t *testing.T) {
	dir := t.TempDir()
	m := NewFilesystemManifest(dir)
	if _, err := m.ReadLatest(); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest before publish, got %v", err)
	}
	if err := m.PublishLatest("sid-123", 42); err != nil {
		t.Fatalf("PublishLatest error: %v", err)
	}
	got, err := m.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.SnapshotID != "sid-123" || got.LastChangelogOffset != 42 || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	if age := got.Age(time.Now()); age < 0 || age > time.Minute {
		t.Fatalf("unexpected age %v", age)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaManifest_PublishLatest_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk, "CompanyOrderTotals-manifest-latest")
	if err := km.PublishLatest("sid-abc", 99); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "CompanyOrderTotals-manifest-latest" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
}

func TestKafkaManifest_PublishLatest_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	km := NewKafkaManifestWith(fk, "CompanyOrderTotals-manifest-latest")
	if err := km.PublishLatest("sid-abc", 99); err == nil {
		t.Fatalf("expected error")
	}
}

// fakeKafkaReader replays msgs then blocks until the context expires.
type fakeKafkaReader struct {
	msgs []kafka.Message
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func record(t *testing.T, key, sid string, offset int64) kafka.Message {
	t.Helper()
	b, err := json.Marshal(Manifest{SnapshotID: sid, LastChangelogOffset: offset, CreatedAtEpochSecond: 1})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(key), Value: b}
}

func TestKafkaReader_KeepsLastRecordForKey(t *testing.T) {
	fr := &fakeKafkaReader{msgs: []kafka.Message{
		record(t, "idx-manifest-latest", "s1", 10),
		record(t, "other-manifest-latest", "x", 99),
		record(t, "idx-manifest-latest", "s2", 20),
	}}
	got, err := NewKafkaReaderWith(fr, "idx-manifest-latest", 50*time.Millisecond).ReadLatest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SnapshotID != "s2" || got.LastChangelogOffset != 20 {
		t.Fatalf("unexpected manifest: %+v", got)
	}

	empty := NewKafkaReaderWith(&fakeKafkaReader{}, "idx-manifest-latest", 10*time.Millisecond)
	if _, err := empty.ReadLatest(); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}
