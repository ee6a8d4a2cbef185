// Package docstore is the source-of-truth document store for companies and
// orders, kept in Bolt buckets with MsgPack-encoded documents.
//
// Every committed order put or delete is assigned the next etag and published
// to subscribers in commit order. Indexes consume this changefeed.
package docstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"mrindex/internal/model"
)

var (
	ErrNotFound            = errors.New("document not found")
	ErrUnsupportedDocument = errors.New("unsupported document type")
	ErrClosed              = errors.New("session closed")
)

const (
	CompaniesCollection = "companies"
	OrdersCollection    = "orders"
	metaBucket          = "meta"
)

var etagKey = []byte("etag")

type ChangeKind int

const (
	ChangePut ChangeKind = iota
	ChangeDelete
)

func (k ChangeKind) String() string {
	if k == ChangeDelete {
		return "delete"
	}
	return "put"
}

// Change is one entry of the order changefeed. Order is nil for deletes.
type Change struct {
	Etag    uint64
	Kind    ChangeKind
	OrderID string
	Order   *model.Order
}

type Options struct {
	Logger    logrus.FieldLogger
	IsTesting bool
	Timeout   time.Duration
}

// DB is an explicitly opened document store client. Units of work are scoped
// with OpenSession.
type DB struct {
	bdb *bbolt.DB
	log logrus.FieldLogger

	subsMu sync.Mutex
	subs   []func(Change)

	commitMu sync.Mutex // orders commits with change publication
}

func Open(path string, opt Options) (*DB, error) {
	bopt := &bbolt.Options{Timeout: opt.Timeout}
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	bdb, err := bbolt.Open(path, 0o600, bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{CompaniesCollection, OrdersCollection, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DB{bdb: bdb, log: log.WithField("component", "docstore")}, nil
}

func (db *DB) Close() error { return db.bdb.Close() }

// Subscribe registers fn to receive every order change after it commits.
// fn is called synchronously and in etag order; it must not block.
func (db *DB) Subscribe(fn func(Change)) {
	db.subsMu.Lock()
	defer db.subsMu.Unlock()
	db.subs = append(db.subs, fn)
}

func (db *DB) publish(changes []Change) {
	db.subsMu.Lock()
	subs := append([]func(Change){}, db.subs...)
	db.subsMu.Unlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// LastEtag returns the etag of the latest committed order change.
func (db *DB) LastEtag() (uint64, error) {
	var etag uint64
	err := db.bdb.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(metaBucket)).Get(etagKey); len(v) == 8 {
			etag = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return etag, err
}

// Orders visits every stored order in key order.
func (db *DB) Orders(ctx context.Context, fn func(model.Order) error) error {
	return db.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(OrdersCollection)).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var o model.Order
			if err := decodeDoc(v, &o); err != nil {
				return fmt.Errorf("order %s: %w", k, err)
			}
			o.ID = string(k)
			return fn(o)
		})
	})
}

// OpenSession starts a unit of work.
func (db *DB) OpenSession() *Session {
	return &Session{
		db:        db,
		companies: make(map[string]*model.Company),
		orders:    make(map[string]*model.Order),
	}
}

func nextID(b *bbolt.Bucket, collection string) (string, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return "", err
	}
	return collection + "/" + strconv.FormatUint(seq, 10), nil
}

func collectionOf(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return strings.ToLower(id[:i])
	}
	return ""
}

func nextEtag(tx *bbolt.Tx) (uint64, error) {
	b := tx.Bucket([]byte(metaBucket))
	var etag uint64
	if v := b.Get(etagKey); len(v) == 8 {
		etag = binary.BigEndian.Uint64(v)
	}
	etag++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], etag)
	if err := b.Put(etagKey, buf[:]); err != nil {
		return 0, err
	}
	return etag, nil
}

// idLess orders "orders/2" before "orders/10".
func idLess(a, b string) bool {
	ca, na, okA := splitID(a)
	cb, nb, okB := splitID(b)
	if okA && okB && ca == cb {
		return na < nb
	}
	return a < b
}

func splitID(id string) (string, uint64, bool) {
	i := strings.LastIndexByte(id, '/')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}
