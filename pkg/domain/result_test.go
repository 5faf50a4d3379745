package domain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fixedRule reports the same violations for every change set.
type fixedRule struct {
	name string
	vs   []Violation
	err  error
}

func (r fixedRule) Name() string { return r.name }

func (r fixedRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{Violations: r.vs}, r.err
}

type noNodes struct{}

func (noNodes) GetNode(id string) (Node, error)         { return Node{}, NodeNotFound(id) }
func (noNodes) GetChildren(*string) ([]Node, error)     { return nil, nil }
func (noNodes) ChildSet(*string) ([]Node, error)        { return nil, nil }
func (noNodes) ListFields(string) ([]FieldValue, error) { return nil, nil }
func (noNodes) GetField(id string) (FieldValue, error)  { return FieldValue{}, FieldNotFound(id) }
func (noNodes) ListNodes() ([]Node, error)              { return nil, nil }

var structuralChange = []Change{{Entity: EntityNode, Action: ActionUpdate, After: Node{ID: "A"}}}

func TestEvaluateCommit(t *testing.T) {
	warn := Violation{Rule: "chain_length", Severity: SeverityWarn, Message: "long chain", Entity: EntityNode, EntityID: "P"}
	block := Violation{Rule: "sibling_chain", Severity: SeverityBlock, Message: "B unreachable from head", Entity: EntityNode, EntityID: "B"}

	cases := []struct {
		name      string
		rules     []Rule
		changes   []Change
		wantErr   bool
		wantViols int
	}{
		{"no changes skips rules", []Rule{fixedRule{name: "x", vs: []Violation{block}}}, nil, false, 0},
		{"warnings commit", []Rule{fixedRule{name: "w", vs: []Violation{warn}}}, structuralChange, false, 1},
		{"block aborts", []Rule{fixedRule{name: "w", vs: []Violation{warn}}, fixedRule{name: "b", vs: []Violation{block}}}, structuralChange, true, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewRulesEngine()
			for _, r := range tc.rules {
				engine.Register(r)
			}
			res, err := EvaluateCommit(context.Background(), engine, noNodes{}, tc.changes)
			if len(res.Violations) != tc.wantViols {
				t.Fatalf("violations = %+v, want %d", res.Violations, tc.wantViols)
			}
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			var rv RuleViolationError
			if !errors.As(err, &rv) {
				t.Fatalf("expected RuleViolationError, got %v", err)
			}
			if !strings.Contains(rv.Error(), "sibling_chain: B unreachable from head") {
				t.Fatalf("error should name the blocking rule: %q", rv.Error())
			}
		})
	}
}

func TestEvaluateCommitNilEngine(t *testing.T) {
	if _, err := EvaluateCommit(context.Background(), nil, noNodes{}, structuralChange); err != nil {
		t.Fatalf("nil engine should pass, got %v", err)
	}
}

func TestRulesEngineStopsOnRuleError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(fixedRule{name: "broken", err: errors.New("view closed")})
	engine.Register(fixedRule{name: "never", vs: []Violation{{Rule: "never", Severity: SeverityBlock}}})
	if got := engine.Rules(); len(got) != 2 || got[0].Name() != "broken" {
		t.Fatalf("rules should keep registration order, got %v", got)
	}
	res, err := engine.Evaluate(context.Background(), noNodes{}, structuralChange)
	if err == nil || len(res.Violations) != 0 {
		t.Fatalf("expected error and no partial result, got %+v, %v", res, err)
	}
}

func TestResultMerge(t *testing.T) {
	var r Result
	r.Merge(Result{})
	if r.Violations != nil || r.HasBlocking() {
		t.Fatalf("empty merge should leave result untouched")
	}
	r.Merge(Result{Violations: []Violation{{Rule: "node_status", Severity: SeverityLog}}})
	if r.HasBlocking() {
		t.Fatalf("log severity must not block")
	}
	if msg := (RuleViolationError{Result: r}).Error(); msg != "transaction blocked by rules" {
		t.Fatalf("unexpected message %q", msg)
	}
}
