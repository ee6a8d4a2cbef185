// Package feed moves order and company change events between Kafka and the
// document store.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mrindex/internal/docstore"
	"mrindex/internal/model"
)

type EventType string

const (
	OrderPut      EventType = "order.put"
	OrderDelete   EventType = "order.delete"
	CompanyPut    EventType = "company.put"
	CompanyDelete EventType = "company.delete"
)

var ErrBadEvent = errors.New("bad feed event")

// Event is the JSON payload of one feed message. ID may be empty on puts, in
// which case the document store assigns one.
type Event struct {
	Type    EventType      `json:"type"`
	ID      string         `json:"id,omitempty"`
	Order   *model.Order   `json:"order,omitempty"`
	Company *model.Company `json:"company,omitempty"`
}

// Key is the partitioning key: the document id, or the company an order
// belongs to when the id is not assigned yet.
func (e Event) Key() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Order != nil {
		return e.Order.Company
	}
	if e.Company != nil {
		return e.Company.ExternalID
	}
	return ""
}

func (e Event) Validate() error {
	switch e.Type {
	case OrderPut:
		if e.Order == nil {
			return fmt.Errorf("%w: %s without order", ErrBadEvent, e.Type)
		}
	case CompanyPut:
		if e.Company == nil {
			return fmt.Errorf("%w: %s without company", ErrBadEvent, e.Type)
		}
	case OrderDelete, CompanyDelete:
		if e.ID == "" {
			return fmt.Errorf("%w: %s without id", ErrBadEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadEvent, e.Type)
	}
	return nil
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return e, e.Validate()
}

func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// stage adds e to the session's unit of work.
func stage(s *docstore.Session, e Event) error {
	switch e.Type {
	case OrderPut:
		o := *e.Order
		o.ID = e.ID
		return s.Store(&o)
	case CompanyPut:
		c := *e.Company
		c.ID = e.ID
		return s.Store(&c)
	default:
		return s.Delete(e.ID)
	}
}

// ApplyEvents writes events to db in one unit of work.
func ApplyEvents(ctx context.Context, db *docstore.DB, events ...Event) error {
	s := db.OpenSession()
	defer s.Close()
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if err := stage(s, e); err != nil {
			return fmt.Errorf("stage %s %s: %w", e.Type, e.ID, err)
		}
	}
	return s.SaveChanges(ctx)
}
