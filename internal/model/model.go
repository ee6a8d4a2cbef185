package model

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrMissingCompany is returned for orders that do not reference a company.
var ErrMissingCompany = errors.New("order has no company")

// Order is the source document indexed by the company totals indexes.
type Order struct {
	ID        string      `json:"id" msgpack:"-"`
	Company   string      `json:"company" msgpack:"c" validate:"required"`
	Employee  string      `json:"employee,omitempty" msgpack:"e,omitempty"`
	OrderedAt time.Time   `json:"orderedAt" msgpack:"t"`
	Lines     []OrderLine `json:"lines" msgpack:"l" validate:"dive"`
}

// OrderLine is a single product line of an order.
type OrderLine struct {
	Product      string          `json:"product,omitempty" msgpack:"p,omitempty"`
	ProductName  string          `json:"productName,omitempty" msgpack:"n,omitempty"`
	Quantity     int64           `json:"quantity" msgpack:"q" validate:"gte=0"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit" msgpack:"u" validate:"gte=0"`
	Discount     decimal.Decimal `json:"discount" msgpack:"d"`
}

// Amount returns Quantity * (PricePerUnit - Discount).
func (l OrderLine) Amount() decimal.Decimal {
	return decimal.NewFromInt(l.Quantity).Mul(l.PricePerUnit.Sub(l.Discount))
}

// CompanyOrdersTotal is the record produced by the map and reduce stages.
type CompanyOrdersTotal struct {
	CompanyID string          `json:"companyId" msgpack:"k"`
	Total     decimal.Decimal `json:"total" msgpack:"v"`
}

func (t CompanyOrdersTotal) String() string {
	return fmt.Sprintf("%s=%s", t.CompanyID, t.Total.String())
}

// Company is the related document included alongside query results.
type Company struct {
	ID         string  `json:"id" msgpack:"-"`
	ExternalID string  `json:"externalId,omitempty" msgpack:"x,omitempty"`
	Name       string  `json:"name" msgpack:"n"`
	Phone      string  `json:"phone,omitempty" msgpack:"p,omitempty"`
	Contact    Contact `json:"contact" msgpack:"c"`
	Address    Address `json:"address" msgpack:"a"`
}

type Contact struct {
	Name  string `json:"name" msgpack:"n"`
	Title string `json:"title" msgpack:"t"`
}

type Address struct {
	Line1      string `json:"line1,omitempty" msgpack:"l,omitempty"`
	City       string `json:"city" msgpack:"c"`
	Region     string `json:"region,omitempty" msgpack:"r,omitempty"`
	PostalCode string `json:"postalCode,omitempty" msgpack:"z,omitempty"`
	Country    string `json:"country" msgpack:"k"`
}

// ValidationError describes why an order cannot be indexed.
type ValidationError struct {
	OrderID string
	Line    int // -1 when the problem is not tied to a line
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("order %q line %d: %v", e.OrderID, e.Line, e.Err)
	}
	return fmt.Sprintf("order %q: %v", e.OrderID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = newValidator()

// newValidator presents decimals to numeric tags as their sign, so gte=0
// reads "not negative" at any precision.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.Sign()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate rejects orders that must not reach the aggregation stage. Only
// the first problem is reported.
func (o Order) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return &ValidationError{OrderID: o.ID, Line: -1, Err: err}
	}
	fe := ves[0]
	line := lineIndex(fe.StructNamespace())
	switch {
	case fe.Field() == "Company":
		return &ValidationError{OrderID: o.ID, Line: -1, Err: ErrMissingCompany}
	case line < 0 || line >= len(o.Lines):
		return &ValidationError{OrderID: o.ID, Line: -1, Err: fmt.Errorf("%s failed %s", fe.Field(), fe.Tag())}
	case fe.Field() == "Quantity":
		return &ValidationError{OrderID: o.ID, Line: line, Err: fmt.Errorf("negative quantity %d", o.Lines[line].Quantity)}
	case fe.Field() == "PricePerUnit":
		return &ValidationError{OrderID: o.ID, Line: line, Err: fmt.Errorf("negative price %s", o.Lines[line].PricePerUnit)}
	default:
		return &ValidationError{OrderID: o.ID, Line: line, Err: fmt.Errorf("%s failed %s", fe.Field(), fe.Tag())}
	}
}

// lineIndex extracts i from "Order.Lines[i].Field", or returns -1.
func lineIndex(ns string) int {
	i := strings.Index(ns, "Lines[")
	if i < 0 {
		return -1
	}
	rest := ns[i+len("Lines["):]
	j := strings.IndexByte(rest, ']')
	if j < 0 {
		return -1
	}
	n, err := strconv.Atoi(rest[:j])
	if err != nil {
		return -1
	}
	return n
}
