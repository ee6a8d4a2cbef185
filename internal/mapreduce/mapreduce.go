package mapreduce

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"mrindex/internal/model"
)

// MaxTotal is the largest magnitude a reduced total may reach. It matches the
// 96-bit coefficient limit of the decimal type used by the order documents.
var MaxTotal = decimal.RequireFromString("79228162514264337593543950335")

// ErrOverflow is matched by *OverflowError.
var ErrOverflow = errors.New("total overflow")

// OverflowError reports a per-company sum that left the representable range.
type OverflowError struct {
	CompanyID string
	Total     decimal.Decimal
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("company %q: %v (%s)", e.CompanyID, ErrOverflow, e.Total)
}

func (e *OverflowError) Is(target error) bool { return target == ErrOverflow }

// Mapper turns one order into intermediate aggregation records.
type Mapper func(order model.Order) ([]model.CompanyOrdersTotal, error)

// Reducer folds records sharing a CompanyID into one record per company.
type Reducer func(records []model.CompanyOrdersTotal) ([]model.CompanyOrdersTotal, error)

// Definition is a named map/reduce pair.
type Definition struct {
	Name   string
	Map    Mapper
	Reduce Reducer
}

// CompanyOrderTotals emits one record per order line.
var CompanyOrderTotals = Definition{Name: "CompanyOrderTotals", Map: MapLines, Reduce: Reduce}

// CompanyOrderTotalsByOrder emits one pre-summed record per order. It yields
// the same reduced results as CompanyOrderTotals.
var CompanyOrderTotalsByOrder = Definition{Name: "CompanyOrderTotalsByOrder", Map: MapOrder, Reduce: Reduce}

// Definitions lists the shipped index definitions by name.
func Definitions() map[string]Definition {
	return map[string]Definition{
		CompanyOrderTotals.Name:        CompanyOrderTotals,
		CompanyOrderTotalsByOrder.Name: CompanyOrderTotalsByOrder,
	}
}

// MapLines emits Quantity * (PricePerUnit - Discount) for every line. An
// order without lines emits a single zero record so its company stays in the
// index, as it does with MapOrder.
func MapLines(order model.Order) ([]model.CompanyOrdersTotal, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if len(order.Lines) == 0 {
		return []model.CompanyOrdersTotal{{CompanyID: order.Company, Total: decimal.Zero}}, nil
	}
	out := make([]model.CompanyOrdersTotal, 0, len(order.Lines))
	for _, l := range order.Lines {
		out = append(out, model.CompanyOrdersTotal{CompanyID: order.Company, Total: l.Amount()})
	}
	return out, nil
}

// MapOrder emits a single record with the order's lines summed.
func MapOrder(order model.Order) ([]model.CompanyOrdersTotal, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, l := range order.Lines {
		total = total.Add(l.Amount())
	}
	return []model.CompanyOrdersTotal{{CompanyID: order.Company, Total: total}}, nil
}

// Reduce groups records by CompanyID and sums their totals. Output is sorted
// by CompanyID. Reduce may be applied to its own output.
//
// Groups that overflow are left out of the result and reported through the
// returned error (errors.Join of *OverflowError values); other groups are
// still returned.
func Reduce(records []model.CompanyOrdersTotal) ([]model.CompanyOrdersTotal, error) {
	sums := make(map[string]decimal.Decimal, len(records))
	for _, r := range records {
		sums[r.CompanyID] = sums[r.CompanyID].Add(r.Total)
	}
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.CompanyOrdersTotal, 0, len(keys))
	var errs []error
	for _, k := range keys {
		total := sums[k]
		if total.Abs().GreaterThan(MaxTotal) {
			errs = append(errs, &OverflowError{CompanyID: k, Total: total})
			continue
		}
		out = append(out, model.CompanyOrdersTotal{CompanyID: k, Total: total})
	}
	return out, errors.Join(errs...)
}

// OverflowingCompanies returns the companies named by the *OverflowError
// values in err, which may be joined.
func OverflowingCompanies(err error) map[string]bool {
	out := make(map[string]bool)
	var walk func(error)
	walk = func(err error) {
		if oe, ok := err.(*OverflowError); ok {
			out[oe.CompanyID] = true
			return
		}
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return out
}

// Negate returns retraction records that cancel the given records when reduced
// together with them.
func Negate(records []model.CompanyOrdersTotal) []model.CompanyOrdersTotal {
	out := make([]model.CompanyOrdersTotal, len(records))
	for i, r := range records {
		out[i] = model.CompanyOrdersTotal{CompanyID: r.CompanyID, Total: r.Total.Neg()}
	}
	return out
}

// CountByCompany returns how many records each company contributes.
func CountByCompany(records []model.CompanyOrdersTotal) map[string]int64 {
	n := make(map[string]int64)
	for _, r := range records {
		n[r.CompanyID]++
	}
	return n
}
