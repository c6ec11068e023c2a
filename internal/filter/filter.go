package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mfittko/rag-stack/internal/errs"
)

// Condition is one predicate in the filter DSL.
type Condition struct {
	// Field is the logical field name, validated against the allow-list.
	Field string `json:"field"`
	// Op is the operator name.
	Op Op `json:"op"`
	// Value is the scalar operand for single-value operators.
	Value any `json:"value,omitempty"`
	// Values is the operand list for in/notIn.
	Values []any `json:"values,omitempty"`
	// Range holds the [low, high] bounds for between/notBetween.
	Range []any `json:"range,omitempty"`
	// Alias, when supplied, must equal the field's expected alias.
	Alias string `json:"alias,omitempty"`
}

// Filter is the parsed DSL object.
type Filter struct {
	// Conditions are combined with the Combine connective.
	Conditions []Condition `json:"conditions"`
	// Combine is "and" or "or". Empty defaults to "and".
	Combine string `json:"combine,omitempty"`
}

// Fragment is a compiled filter: a SQL fragment of the form " AND (...)"
// plus the ordered parameter values it references.
type Fragment struct {
	// SQL is the fragment, starting with " AND ", or empty for an empty filter.
	SQL string
	// Params are the positional parameter values, in placeholder order.
	Params []any
}

// invalid constructs a FilterValidationError.
func invalid(format string, args ...any) error {
	return errs.New(errs.KindFilterValidation, format, args...)
}

// Parse decodes raw into a Filter, accepting both the DSL shape and the
// legacy shapes ({key: value}, {must: [...]}, {must_not: [...]}). Mixing
// legacy keys with the DSL keys in one object is rejected.
func Parse(raw json.RawMessage) (*Filter, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Filter{}, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, invalid("filter must be a JSON object")
	}
	if len(generic) == 0 {
		return &Filter{}, nil
	}

	_, hasConditions := generic["conditions"]
	_, hasCombine := generic["combine"]
	hasDSL := hasConditions || hasCombine

	hasLegacy := false
	for key := range generic {
		if key != "conditions" && key != "combine" {
			hasLegacy = true
		}
	}

	if hasDSL && hasLegacy {
		return nil, invalid("filter mixes DSL keys with legacy keys")
	}

	if hasDSL {
		var f Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, invalid("malformed filter DSL: %v", err)
		}
		return &f, nil
	}

	return parseLegacy(generic)
}

// parseLegacy converts the legacy shapes into DSL conditions:
// {key: value} becomes eq conditions, {must: [...]} passes conditions
// through, {must_not: [...]} negates their operators. All legacy
// conditions are combined with "and".
func parseLegacy(generic map[string]json.RawMessage) (*Filter, error) {
	f := &Filter{Combine: "and"}

	for key, rawVal := range generic {
		switch key {
		case "must", "must_not":
			var conds []Condition
			if err := json.Unmarshal(rawVal, &conds); err != nil {
				return nil, invalid("legacy %s must be an array of conditions", key)
			}
			if key == "must_not" {
				for i := range conds {
					neg, err := negateOp(conds[i].Op)
					if err != nil {
						return nil, err
					}
					conds[i].Op = neg
				}
			}
			f.Conditions = append(f.Conditions, conds...)

		default:
			var val any
			if err := json.Unmarshal(rawVal, &val); err != nil {
				return nil, invalid("legacy value for %q is not a scalar", key)
			}
			f.Conditions = append(f.Conditions, Condition{Field: key, Op: OpEq, Value: val})
		}
	}

	return f, nil
}

// negateOp maps an operator to its negation for must_not conditions.
func negateOp(op Op) (Op, error) {
	switch op {
	case OpEq:
		return OpNe, nil
	case OpNe:
		return OpEq, nil
	case OpIn:
		return OpNotIn, nil
	case OpNotIn:
		return OpIn, nil
	case OpBetween:
		return OpNotBetween, nil
	case OpNotBetween:
		return OpBetween, nil
	case OpIsNull:
		return OpIsNotNull, nil
	case OpIsNotNull:
		return OpIsNull, nil
	default:
		return "", invalid("operator %q cannot appear in must_not", op)
	}
}

// Compile validates f and emits the SQL fragment. Parameter placeholders
// start at $startIndex so the fragment can be appended to an existing
// parameterised query. An empty filter compiles to an empty fragment.
func Compile(f *Filter, startIndex int) (*Fragment, error) {
	if f == nil || len(f.Conditions) == 0 {
		return &Fragment{}, nil
	}

	combine := strings.ToLower(f.Combine)
	switch combine {
	case "":
		combine = "and"
	case "and", "or":
	default:
		return nil, invalid("combine must be \"and\" or \"or\", got %q", f.Combine)
	}
	connective := " AND "
	if combine == "or" {
		connective = " OR "
	}

	var clauses []string
	var params []any
	next := startIndex

	for _, cond := range f.Conditions {
		clause, vals, err := compileCondition(cond, next)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
		params = append(params, vals...)
		next += len(vals)
	}

	joined := strings.Join(clauses, connective)
	if len(clauses) >= 2 {
		joined = "(" + joined + ")"
	}

	return &Fragment{SQL: " AND " + joined, Params: params}, nil
}

// compileCondition emits the SQL for one condition, with placeholders
// starting at next.
func compileCondition(cond Condition, next int) (string, []any, error) {
	spec, ok := fields[cond.Field]
	if !ok {
		return "", nil, invalid("unknown filter field %q", cond.Field)
	}
	if !spec.ops[cond.Op] {
		return "", nil, invalid("operator %q not allowed on field %q", cond.Op, cond.Field)
	}
	if cond.Alias != "" && cond.Alias != spec.alias {
		return "", nil, invalid("field %q binds to alias %q, not %q", cond.Field, spec.alias, cond.Alias)
	}

	col := spec.alias + "." + spec.column

	switch cond.Op {
	case OpEq, OpNe:
		if cond.Value == nil {
			return "", nil, invalid("operator %q on %q requires a value", cond.Op, cond.Field)
		}
		if spec.prefixMatch {
			like := "LIKE"
			if cond.Op == OpNe {
				like = "NOT LIKE"
			}
			return fmt.Sprintf("%s %s $%d || '%%'", col, like, next), []any{cond.Value}, nil
		}
		cmp := "="
		if cond.Op == OpNe {
			cmp = "<>"
		}
		return fmt.Sprintf("%s %s $%d", col, cmp, next), []any{cond.Value}, nil

	case OpGt, OpGte, OpLt, OpLte:
		if cond.Value == nil {
			return "", nil, invalid("operator %q on %q requires a value", cond.Op, cond.Field)
		}
		cmp := map[Op]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[cond.Op]
		return fmt.Sprintf("%s %s $%d", col, cmp, next), []any{cond.Value}, nil

	case OpIn, OpNotIn:
		if len(cond.Values) == 0 {
			return "", nil, invalid("operator %q on %q requires a non-empty values list", cond.Op, cond.Field)
		}
		placeholders := make([]string, len(cond.Values))
		for i := range cond.Values {
			placeholders[i] = fmt.Sprintf("$%d", next+i)
		}
		kw := "IN"
		if cond.Op == OpNotIn {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, strings.Join(placeholders, ", ")), cond.Values, nil

	case OpBetween, OpNotBetween:
		if len(cond.Range) != 2 || cond.Range[0] == nil || cond.Range[1] == nil {
			return "", nil, invalid("operator %q on %q requires range [low, high]", cond.Op, cond.Field)
		}
		kw := "BETWEEN"
		if cond.Op == OpNotBetween {
			kw = "NOT BETWEEN"
		}
		return fmt.Sprintf("%s %s $%d AND $%d", col, kw, next, next+1),
			[]any{cond.Range[0], cond.Range[1]}, nil

	case OpIsNull:
		return col + " IS NULL", nil, nil

	case OpIsNotNull:
		return col + " IS NOT NULL", nil, nil

	default:
		return "", nil, invalid("unknown operator %q", cond.Op)
	}
}
