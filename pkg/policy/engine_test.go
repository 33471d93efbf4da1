package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"orphaned-variants", "require-applied-patch", "structure-valid"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policies[%d] = %s, want %s", i, policies[i].Name, name)
		}
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name           string
		input          ReleaseInput
		expectAllowed  bool
		expectBlocking int
		expectWarnings int
	}{
		{
			name:          "clean release",
			input:         ReleaseInput{Patches: PatchInput{Total: 2, Applied: 2}, Boards: &BoardsInput{Matched: []string{"a"}}},
			expectAllowed: true,
		},
		{
			name:          "no patches at all",
			input:         ReleaseInput{},
			expectAllowed: true,
		},
		{
			name:           "patches exist but none applied",
			input:          ReleaseInput{Patches: PatchInput{Total: 2, Failed: 1, Skipped: 1}},
			expectAllowed:  false,
			expectBlocking: 1,
		},
		{
			name: "partial failure warns",
			input: ReleaseInput{
				Patches: PatchInput{Total: 2, Applied: 1, Failed: 1},
				Failed:  []FailedPatch{{ID: "001-x", Path: "x.cpp"}},
			},
			expectAllowed:  true,
			expectWarnings: 1,
		},
		{
			name:           "orphaned variants warn",
			input:          ReleaseInput{Boards: &BoardsInput{Orphaned: []string{"old", "older"}}},
			expectAllowed:  true,
			expectWarnings: 2,
		},
		{
			name: "invalid structure",
			input: ReleaseInput{Structure: &StructureInput{
				Roots:        []string{"hub", "other"},
				MissingFiles: []string{"boards.txt"},
			}},
			expectAllowed:  false,
			expectBlocking: 2,
		},
		{
			name:          "valid structure",
			input:         ReleaseInput{Structure: &StructureInput{Valid: true, Roots: []string{"hub"}}},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if len(decision.Violations) != tt.expectBlocking {
				t.Errorf("Expected %d violations, got %+v", tt.expectBlocking, decision.Violations)
			}
			if len(decision.Warnings) != tt.expectWarnings {
				t.Errorf("Expected %d warnings, got %+v", tt.expectWarnings, decision.Warnings)
			}
			if len(decision.Failures) != 0 {
				t.Errorf("unexpected evaluation failures: %v", decision.Failures)
			}
		})
	}
}

func TestEvaluate_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.Evaluate(context.Background(), ReleaseInput{Boards: &BoardsInput{Orphaned: []string{"old"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("warnings = %+v", decision.Warnings)
	}
	w := decision.Warnings[0]
	if w.Policy != "orphaned-variants" || w.Subject != "old" || w.Severity != SeverityWarning {
		t.Errorf("warning = %+v", w)
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.SetEnabled("require-applied-patch", false); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	decision, err := eng.Evaluate(context.Background(), ReleaseInput{Patches: PatchInput{Total: 1, Failed: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy still blocks: %+v", decision.Violations)
	}
	for _, name := range decision.EvaluatedPolicies {
		if name == "require-applied-patch" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.SetEnabled("no-such-policy", true); err == nil {
		t.Error("expected error for unknown policy")
	}
}
