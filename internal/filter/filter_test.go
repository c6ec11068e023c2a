package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mfittko/rag-stack/internal/errs"
)

// compileJSON parses and compiles a raw filter with placeholders starting at 1.
func compileJSON(t *testing.T, raw string) (*Fragment, error) {
	t.Helper()
	f, err := Parse(json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	return Compile(f, 1)
}

func TestCompile_SingleCondition(t *testing.T) {
	t.Parallel()

	frag, err := compileJSON(t, `{"conditions":[{"field":"docType","op":"eq","value":"code"}]}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if frag.SQL != " AND c.doc_type = $1" {
		t.Errorf("SQL: got %q", frag.SQL)
	}
	if len(frag.Params) != 1 || frag.Params[0] != "code" {
		t.Errorf("params: got %v", frag.Params)
	}
}

func TestCompile_TwoConditionsOr(t *testing.T) {
	t.Parallel()

	frag, err := compileJSON(t, `{
		"conditions":[
			{"field":"docType","op":"eq","value":"code"},
			{"field":"lang","op":"eq","value":"ts"}
		],
		"combine":"or"
	}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := " AND (c.doc_type = $1 OR c.lang = $2)"
	if frag.SQL != want {
		t.Errorf("SQL: want %q, got %q", want, frag.SQL)
	}
	if fmt.Sprint(frag.Params) != "[code ts]" {
		t.Errorf("params: got %v", frag.Params)
	}
}

func TestCompile_PathPrefixRewrite(t *testing.T) {
	t.Parallel()

	frag, err := compileJSON(t, `{"conditions":[{"field":"path","op":"eq","value":"src/"}]}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if frag.SQL != " AND c.path LIKE $1 || '%'" {
		t.Errorf("SQL: got %q", frag.SQL)
	}

	frag, err = compileJSON(t, `{"conditions":[{"field":"path","op":"ne","value":"vendor/"}]}`)
	if err != nil {
		t.Fatalf("compile ne: %v", err)
	}
	if frag.SQL != " AND c.path NOT LIKE $1 || '%'" {
		t.Errorf("SQL: got %q", frag.SQL)
	}
}

func TestCompile_StartIndexOffset(t *testing.T) {
	t.Parallel()

	f, err := Parse(json.RawMessage(`{"conditions":[
		{"field":"docType","op":"eq","value":"code"},
		{"field":"lang","op":"in","values":["go","ts"]}
	]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	frag, err := Compile(f, 4)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := " AND (c.doc_type = $4 AND c.lang IN ($5, $6))"
	if frag.SQL != want {
		t.Errorf("SQL: want %q, got %q", want, frag.SQL)
	}
	if len(frag.Params) != 3 {
		t.Errorf("params: want 3, got %v", frag.Params)
	}
}

func TestCompile_BetweenAndNulls(t *testing.T) {
	t.Parallel()

	frag, err := compileJSON(t, `{"conditions":[
		{"field":"createdAt","op":"between","range":["2024-01-01","2024-12-31"]},
		{"field":"lang","op":"isNull"}
	]}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := " AND (c.created_at BETWEEN $1 AND $2 AND c.lang IS NULL)"
	if frag.SQL != want {
		t.Errorf("SQL: want %q, got %q", want, frag.SQL)
	}
	if len(frag.Params) != 2 {
		t.Errorf("params: want 2, got %v", frag.Params)
	}
}

func TestCompile_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"conditions":[{"field":"password","op":"eq","value":"x"}]}`},
		{"disallowed op", `{"conditions":[{"field":"docType","op":"gt","value":"x"}]}`},
		{"wrong alias", `{"conditions":[{"field":"docType","op":"eq","value":"x","alias":"d"}]}`},
		{"empty in list", `{"conditions":[{"field":"lang","op":"in","values":[]}]}`},
		{"missing between bounds", `{"conditions":[{"field":"createdAt","op":"between","range":["2024-01-01"]}]}`},
		{"invalid combine", `{"conditions":[{"field":"lang","op":"eq","value":"go"}],"combine":"xor"}`},
		{"unknown operator", `{"conditions":[{"field":"lang","op":"matches","value":"go"}]}`},
		{"mixed legacy and DSL", `{"conditions":[{"field":"lang","op":"eq","value":"go"}],"docType":"code"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := compileJSON(t, tc.raw)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if errs.KindOf(err) != errs.KindFilterValidation {
				t.Errorf("kind: want FILTER_VALIDATION, got %v", errs.KindOf(err))
			}
		})
	}
}

func TestParse_LegacyShapes(t *testing.T) {
	t.Parallel()

	// {key: value} becomes an eq condition.
	frag, err := compileJSON(t, `{"docType":"code"}`)
	if err != nil {
		t.Fatalf("compile legacy key: %v", err)
	}
	if frag.SQL != " AND c.doc_type = $1" {
		t.Errorf("SQL: got %q", frag.SQL)
	}

	// must passes through; must_not negates.
	frag, err = compileJSON(t, `{
		"must":[{"field":"docType","op":"eq","value":"code"}],
		"must_not":[{"field":"lang","op":"eq","value":"ts"}]
	}`)
	if err != nil {
		t.Fatalf("compile legacy must: %v", err)
	}
	if !strings.Contains(frag.SQL, "c.doc_type = $") {
		t.Errorf("must condition missing: %q", frag.SQL)
	}
	if !strings.Contains(frag.SQL, "c.lang <> $") {
		t.Errorf("must_not condition not negated: %q", frag.SQL)
	}
}

func TestCompile_EmptyFilter(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{``, `null`, `{}`} {
		f, err := Parse(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		frag, err := Compile(f, 1)
		if err != nil {
			t.Fatalf("compile %q: %v", raw, err)
		}
		if frag.SQL != "" || len(frag.Params) != 0 {
			t.Errorf("want empty fragment for %q, got %q %v", raw, frag.SQL, frag.Params)
		}
	}
}

// TestCompile_InjectionSafety feeds hostile strings through every value
// position and asserts they never appear in the generated SQL.
func TestCompile_InjectionSafety(t *testing.T) {
	t.Parallel()

	hostile := []string{
		`'; DROP TABLE chunks; --`,
		`$1 OR 1=1`,
		`") OR ("1"="1`,
		"`; SELECT pg_sleep(10); --",
	}

	for i, payload := range hostile {
		t.Run(fmt.Sprintf("payload_%d", i), func(t *testing.T) {
			t.Parallel()
			f := &Filter{
				Conditions: []Condition{
					{Field: "docType", Op: OpEq, Value: payload},
					{Field: "lang", Op: OpIn, Values: []any{payload, "go"}},
					{Field: "path", Op: OpEq, Value: payload},
				},
				Combine: "and",
			}
			frag, err := Compile(f, 1)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if strings.Contains(frag.SQL, payload) {
				t.Errorf("caller value leaked into SQL: %q", frag.SQL)
			}
			// Every occurrence of the payload must be a parameter.
			found := 0
			for _, p := range frag.Params {
				if p == payload {
					found++
				}
			}
			if found != 3 {
				t.Errorf("want payload in 3 params, found %d", found)
			}
		})
	}
}
