package docstore

import (
	"context"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"mrindex/internal/model"
)

type pendingOp struct {
	id      string
	company *model.Company
	order   *model.Order
	deleted bool
}

// Session is a unit of work with a session-scoped identity cache. Loaded and
// included documents are served from the cache on subsequent loads.
// A Session is not safe for concurrent use.
type Session struct {
	db        *DB
	companies map[string]*model.Company
	orders    map[string]*model.Order
	pending   []pendingOp
	requests  int
	closed    bool
}

// NumberOfRequests is how many store round trips the session has made.
func (s *Session) NumberOfRequests() int { return s.requests }

func (s *Session) Close() {
	s.closed = true
	s.pending = nil
}

// Store schedules a *model.Company or *model.Order for writing. Documents
// without an ID are given the next "<collection>/N" id on SaveChanges.
func (s *Session) Store(doc any) error {
	if s.closed {
		return ErrClosed
	}
	switch d := doc.(type) {
	case *model.Company:
		s.pending = append(s.pending, pendingOp{id: d.ID, company: d})
	case *model.Order:
		s.pending = append(s.pending, pendingOp{id: d.ID, order: d})
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedDocument, doc)
	}
	return nil
}

// Delete schedules a document deletion by id.
func (s *Session) Delete(id string) error {
	if s.closed {
		return ErrClosed
	}
	switch collectionOf(id) {
	case CompaniesCollection, OrdersCollection:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDocument, id)
	}
	s.pending = append(s.pending, pendingOp{id: id, deleted: true})
	return nil
}

// SaveChanges writes all pending operations in one transaction and then
// publishes the resulting order changes.
func (s *Session) SaveChanges(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if len(s.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.commitMu.Lock()
	defer s.db.commitMu.Unlock()

	var changes []Change
	err := s.db.bdb.Update(func(tx *bbolt.Tx) error {
		changes = changes[:0]
		for i := range s.pending {
			op := &s.pending[i]
			switch {
			case op.deleted:
				b := tx.Bucket([]byte(collectionOf(op.id)))
				if b.Get([]byte(op.id)) == nil {
					continue
				}
				if err := b.Delete([]byte(op.id)); err != nil {
					return err
				}
				if collectionOf(op.id) == OrdersCollection {
					etag, err := nextEtag(tx)
					if err != nil {
						return err
					}
					changes = append(changes, Change{Etag: etag, Kind: ChangeDelete, OrderID: op.id})
				}
			case op.company != nil:
				if err := putDoc(tx, CompaniesCollection, &op.company.ID, op.company); err != nil {
					return err
				}
			case op.order != nil:
				if err := putDoc(tx, OrdersCollection, &op.order.ID, op.order); err != nil {
					return err
				}
				etag, err := nextEtag(tx)
				if err != nil {
					return err
				}
				o := *op.order
				o.Lines = append([]model.OrderLine(nil), op.order.Lines...)
				changes = append(changes, Change{Etag: etag, Kind: ChangePut, OrderID: o.ID, Order: &o})
			}
		}
		return nil
	})
	s.requests++
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	for _, op := range s.pending {
		switch {
		case op.deleted:
			delete(s.companies, op.id)
			delete(s.orders, op.id)
		case op.company != nil:
			s.companies[op.company.ID] = op.company
		case op.order != nil:
			s.orders[op.order.ID] = op.order
		}
	}
	s.pending = nil
	s.db.log.WithField("changes", len(changes)).Debug("saved changes")
	s.db.publish(changes)
	return nil
}

func putDoc(tx *bbolt.Tx, collection string, id *string, doc any) error {
	b := tx.Bucket([]byte(collection))
	if *id == "" {
		for {
			newID, err := nextID(b, collection)
			if err != nil {
				return err
			}
			if b.Get([]byte(newID)) == nil {
				*id = newID
				break
			}
		}
	} else if c := collectionOf(*id); c != collection {
		return fmt.Errorf("%w: id %q does not belong to %s", ErrUnsupportedDocument, *id, collection)
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(*id), data)
}

// LoadCompany returns a company from the session cache or the store.
func (s *Session) LoadCompany(ctx context.Context, id string) (*model.Company, error) {
	if c, ok := s.companies[id]; ok {
		return c, nil
	}
	found, err := s.LoadCompanies(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c, ok := found[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c, nil
}

// LoadCompanies fetches all ids not already cached in a single read
// transaction. Ids that do not exist are absent from the result.
func (s *Session) LoadCompanies(ctx context.Context, ids []string) (map[string]*model.Company, error) {
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]*model.Company, len(ids))
	var missing []string
	for _, id := range ids {
		if c, ok := s.companies[id]; ok {
			out[id] = c
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests++
	err := s.db.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(CompaniesCollection))
		for _, id := range missing {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var c model.Company
			if err := decodeDoc(v, &c); err != nil {
				return fmt.Errorf("company %s: %w", id, err)
			}
			c.ID = id
			out[id] = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		if c, ok := out[id]; ok {
			s.companies[id] = c
		}
	}
	return out, nil
}

// LoadOrder returns an order from the session cache or the store.
func (s *Session) LoadOrder(ctx context.Context, id string) (*model.Order, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if o, ok := s.orders[id]; ok {
		return o, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests++
	var o *model.Order
	err := s.db.bdb.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(OrdersCollection)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		o = &model.Order{}
		if err := decodeDoc(v, o); err != nil {
			return err
		}
		o.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.orders[id] = o
	return o, nil
}

// QueryCompanies returns companies matching pred, ordered by id.
func (s *Session) QueryCompanies(ctx context.Context, pred func(model.Company) bool) ([]model.Company, error) {
	var out []model.Company
	err := s.scan(ctx, CompaniesCollection, func(id string, v []byte) (bool, error) {
		var c model.Company
		if err := decodeDoc(v, &c); err != nil {
			return false, fmt.Errorf("company %s: %w", id, err)
		}
		c.ID = id
		if pred == nil || pred(c) {
			out = append(out, c)
		}
		return true, nil
	})
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out, err
}

// AnyCompany reports whether at least one company matches pred.
func (s *Session) AnyCompany(ctx context.Context, pred func(model.Company) bool) (bool, error) {
	found := false
	err := s.scan(ctx, CompaniesCollection, func(id string, v []byte) (bool, error) {
		var c model.Company
		if err := decodeDoc(v, &c); err != nil {
			return false, fmt.Errorf("company %s: %w", id, err)
		}
		if pred(c) {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// QueryOrders returns up to limit orders matching pred, ordered by id.
// limit <= 0 means no limit.
func (s *Session) QueryOrders(ctx context.Context, pred func(model.Order) bool, limit int) ([]model.Order, error) {
	var out []model.Order
	err := s.scan(ctx, OrdersCollection, func(id string, v []byte) (bool, error) {
		var o model.Order
		if err := decodeDoc(v, &o); err != nil {
			return false, fmt.Errorf("order %s: %w", id, err)
		}
		o.ID = id
		if pred == nil || pred(o) {
			out = append(out, o)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Session) scan(ctx context.Context, collection string, fn func(id string, v []byte) (bool, error)) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.requests++
	return s.db.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(collection)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			more, err := fn(string(k), v)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
}
