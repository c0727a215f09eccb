package db

import (
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
)

// Operator is a comparison understood by every Store implementation.
type Operator string

const (
	OpEq       Operator = "$eq"
	OpNe       Operator = "$ne"
	OpGt       Operator = "$gt"
	OpGte      Operator = "$gte"
	OpLt       Operator = "$lt"
	OpLte      Operator = "$lte"
	OpIn       Operator = "$in"
	OpAll      Operator = "$all"
	OpExists   Operator = "$exists"
	OpContains Operator = "$contains" // case-insensitive substring
)

// Condition restricts a single (possibly dotted) field.
type Condition struct {
	Field string
	Op    Operator
	Value interface{}
}

// Filter is a conjunction of conditions. The zero value matches everything.
type Filter []Condition

// SortField orders query results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Query is a filtered, ordered and optionally limited read.
type Query struct {
	Filter Filter
	Sort   []SortField
	Limit  int64
}

// FilterBuilder helps build filters fluently
type FilterBuilder struct {
	filter Filter
}

// NewFilter creates a new FilterBuilder
func NewFilter() *FilterBuilder {
	return &FilterBuilder{}
}

func (f *FilterBuilder) add(field string, op Operator, value interface{}) *FilterBuilder {
	f.filter = append(f.filter, Condition{Field: field, Op: op, Value: value})
	return f
}

// Eq adds an equality condition. On array fields it matches when any element is equal.
func (f *FilterBuilder) Eq(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpEq, value)
}

// Ne adds a not-equal condition
func (f *FilterBuilder) Ne(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpNe, value)
}

// Gt adds a greater-than condition
func (f *FilterBuilder) Gt(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpGt, value)
}

// Gte adds a greater-than-or-equal condition
func (f *FilterBuilder) Gte(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpGte, value)
}

// Lt adds a less-than condition
func (f *FilterBuilder) Lt(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpLt, value)
}

// Lte adds a less-than-or-equal condition
func (f *FilterBuilder) Lte(field string, value interface{}) *FilterBuilder {
	return f.add(field, OpLte, value)
}

// In adds an $in condition (value in list)
func (f *FilterBuilder) In(field string, values ...interface{}) *FilterBuilder {
	return f.add(field, OpIn, values)
}

// All matches array fields containing every one of values
func (f *FilterBuilder) All(field string, values ...interface{}) *FilterBuilder {
	return f.add(field, OpAll, values)
}

// Contains adds a case-insensitive contains search
func (f *FilterBuilder) Contains(field string, value string) *FilterBuilder {
	return f.add(field, OpContains, value)
}

// Exists checks if field exists
func (f *FilterBuilder) Exists(field string, exists bool) *FilterBuilder {
	return f.add(field, OpExists, exists)
}

// Between adds a range condition (inclusive)
func (f *FilterBuilder) Between(field string, min, max interface{}) *FilterBuilder {
	return f.Gte(field, min).Lte(field, max)
}

// Build returns the final filter
func (f *FilterBuilder) Build() Filter {
	return append(Filter(nil), f.filter...)
}

// Empty returns an empty filter (matches all documents)
func Empty() Filter {
	return nil
}

// BSON renders the filter as a mongo query document. Conditions on the same
// field are merged into one operator document.
func (f Filter) BSON() bson.M {
	out := bson.M{}
	for _, c := range f {
		ops, ok := out[c.Field].(bson.M)
		if !ok {
			ops = bson.M{}
			out[c.Field] = ops
		}
		switch c.Op {
		case OpContains:
			s, _ := c.Value.(string)
			ops["$regex"] = regexp.QuoteMeta(s)
			ops["$options"] = "i"
		default:
			ops[string(c.Op)] = c.Value
		}
	}
	return out
}

// Prefixed returns a copy of the filter with every field nested under prefix.
// Change stream events carry the document under "fullDocument".
func (f Filter) Prefixed(prefix string) Filter {
	out := make(Filter, len(f))
	for i, c := range f {
		c.Field = prefix + "." + c.Field
		out[i] = c
	}
	return out
}
