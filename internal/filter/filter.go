// Package filter compiles a declarative, user-supplied filter document into
// a store.Query. The operator set is closed and validated here; operators
// pass through unchanged as strings, and the storage adapter dispatches on
// them with a single switch.
package filter

import (
	"fmt"

	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/store"
)

// Operator is the closed set of comparison operators the DSL supports.
type Operator string

const (
	OpEqual        Operator = "equal"
	OpNotEqual     Operator = "not_equal"
	OpLess         Operator = "less"
	OpLessOrEqual  Operator = "less_or_equal"
	OpMore         Operator = "more"
	OpMoreOrEqual  Operator = "more_or_equal"
	OpIn           Operator = "in_"
	OpNotIn        Operator = "not_in"
	OpLike         Operator = "like"
	OpNotLike      Operator = "not_like"
	OpILike        Operator = "ilike"
	OpNotILike     Operator = "not_ilike"
	OpContains     Operator = "contains"
	OpNotContains  Operator = "not_contains"
)

var validOperators = map[Operator]bool{
	OpEqual: true, OpNotEqual: true,
	OpLess: true, OpLessOrEqual: true, OpMore: true, OpMoreOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpLike: true, OpNotLike: true, OpILike: true, OpNotILike: true,
	OpContains: true, OpNotContains: true,
}

// orderedOperators are the ones that only make sense against a sortable
// (numeric or time) value; applying them to a string is InvalidArgument.
var orderedOperators = map[Operator]bool{
	OpLess: true, OpLessOrEqual: true, OpMore: true, OpMoreOrEqual: true,
}

// patternOperators only make sense against a string value.
var patternOperators = map[Operator]bool{
	OpLike: true, OpNotLike: true, OpILike: true, OpNotILike: true,
}

// validFields is the set of Workplan columns the DSL may filter or order on.
var validFields = map[string]bool{
	"id": true, "name": true, "worktime_utc": true, "status": true,
	"hash": true, "retries": true, "info": true, "data": true,
	"duration": true, "expires_utc": true, "started_utc": true,
	"finished_utc": true, "created_utc": true, "updated_utc": true,
}

// Entry is one (value, operator) pair filtering a single field.
type Entry struct {
	Value    any
	Operator Operator
}

// Document is the WorkplanQuery DTO: a conjunction of per-field filters,
// an ordering, and pagination.
type Document struct {
	Filter  map[string][]Entry
	OrderBy []string
	Page    int
	Limit   int
}

// Compiler translates a Document into a store.Query.
type Compiler struct{}

// NewCompiler returns a Compiler. It carries no state; the zero value works.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile validates and translates doc into a storage query. Unknown fields
// or operators inapplicable to the supplied value type fail with
// domain.ErrInvalidArgument; no partial query is ever returned on error.
func (c *Compiler) Compile(doc Document) (store.Query, error) {
	var predicates []store.Predicate

	for field, entries := range doc.Filter {
		if !validFields[field] {
			return store.Query{}, fmt.Errorf("%w: unknown filter field %q", domain.ErrInvalidArgument, field)
		}
		for _, e := range entries {
			if !validOperators[e.Operator] {
				return store.Query{}, fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidArgument, e.Operator)
			}
			if err := checkOperandType(field, e); err != nil {
				return store.Query{}, err
			}
			predicates = append(predicates, store.Predicate{
				Field:    field,
				Operator: compileOperator(e.Operator),
				Value:    e.Value,
			})
		}
	}

	var order []store.OrderTerm
	for _, f := range doc.OrderBy {
		field := f
		desc := false
		if len(field) > 0 && field[0] == '-' {
			desc = true
			field = field[1:]
		}
		if !validFields[field] {
			return store.Query{}, fmt.Errorf("%w: unknown order field %q", domain.ErrInvalidArgument, field)
		}
		order = append(order, store.OrderTerm{Field: field, Desc: desc})
	}

	limit := doc.Limit
	offset := 0
	if doc.Page > 0 {
		offset = (doc.Page - 1) * limit
	} else if doc.Page < 0 {
		offset = doc.Page * limit
	}

	return store.Query{
		Predicates: predicates,
		OrderBy:    order,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// compileOperator maps a DSL operator onto the straightforward, non-negated
// comparison semantics the ordered operators call for. The Python source
// this was distilled from emits ~(field <= value) / ~(field >= value) for
// less_or_equal/more_or_equal, which is backwards; this compiler does not
// reproduce that.
func compileOperator(op Operator) string {
	return string(op)
}

func checkOperandType(field string, e Entry) error {
	if !orderedOperators[e.Operator] && !patternOperators[e.Operator] {
		return nil
	}
	switch field {
	case "name", "hash", "info", "status":
		if patternOperators[e.Operator] {
			if _, ok := e.Value.(string); !ok {
				return fmt.Errorf("%w: %s requires a string operand for field %q", domain.ErrInvalidArgument, e.Operator, field)
			}
			return nil
		}
		return fmt.Errorf("%w: %s is inapplicable to field %q", domain.ErrInvalidArgument, e.Operator, field)
	case "worktime_utc", "retries", "duration", "expires_utc", "started_utc", "finished_utc", "created_utc", "updated_utc":
		if patternOperators[e.Operator] {
			return fmt.Errorf("%w: %s is inapplicable to field %q", domain.ErrInvalidArgument, e.Operator, field)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is inapplicable to field %q", domain.ErrInvalidArgument, e.Operator, field)
	}
}
