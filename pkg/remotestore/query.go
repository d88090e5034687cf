package remotestore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq matches documents whose field equals v.
func Eq(field string, v any) Filter { return Filter{Field: field, Op: OpEq, Value: v} }

// Lt matches documents whose field is less than v.
func Lt(field string, v any) Filter { return Filter{Field: field, Op: OpLt, Value: v} }

// Lte matches documents whose field is at most v.
func Lte(field string, v any) Filter { return Filter{Field: field, Op: OpLte, Value: v} }

// Gt matches documents whose field is greater than v.
func Gt(field string, v any) Filter { return Filter{Field: field, Op: OpGt, Value: v} }

// Gte matches documents whose field is at least v.
func Gte(field string, v any) Filter { return Filter{Field: field, Op: OpGte, Value: v} }

// Query selects documents of one collection matching every filter.
type Query struct {
	Collection string
	Filters    []Filter
}

// Where builds a query.
func Where(collection string, filters ...Filter) Query {
	return Query{Collection: collection, Filters: filters}
}

// Key is a stable signature of the query: equal queries yield equal keys
// regardless of filter order.
func (q Query) Key() string {
	parts := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		parts[i] = f.Field + string(f.Op) + formatValue(f.Value)
	}
	sort.Strings(parts)
	return q.Collection + "?" + strings.Join(parts, "&")
}

func (q Query) validate() error {
	if q.Collection == "" {
		return ErrInvalidQuery
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return ErrInvalidQuery
		}
		switch f.Op {
		case OpEq, OpLt, OpLte, OpGt, OpGte:
		default:
			return ErrInvalidQuery
		}
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
