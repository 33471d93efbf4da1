package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// ErrReservedPolicy is returned when a project policy carries the name of a
// built-in policy.
var ErrReservedPolicy = errors.New("policy name is reserved for a built-in policy")

// Engine evaluates release gate policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		builtins[i].Builtin = true
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// LoadPolicies compiles the policy files found under paths. Project policies
// add to the built-in set and never replace a loaded policy: a name taken by
// a built-in fails with ErrReservedPolicy, a name used twice fails too, and
// nothing is loaded in either case.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]string, len(policies))
	for _, p := range policies {
		if cp, exists := e.policies[p.Name]; exists {
			if cp.policy.Builtin {
				return fmt.Errorf("%w: %s (%s)", ErrReservedPolicy, p.Name, p.Source)
			}
			return fmt.Errorf("policy %s from %s is already loaded from %s", p.Name, p.Source, cp.policy.Source)
		}
		if other, dup := seen[p.Name]; dup {
			return fmt.Errorf("policy %s is defined in both %s and %s", p.Name, other, p.Source)
		}
		seen[p.Name] = p.Source
	}

	for i := range policies {
		policies[i].Builtin = false
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Project policies loaded")
	return nil
}

// Evaluate runs every enabled policy against input. A policy that fails
// to evaluate is recorded in Decision.Failures and does not block.
func (e *Engine) Evaluate(ctx context.Context, input ReleaseInput) (*Decision, error) {
	start := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			decision.Failures = append(decision.Failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = e.now().Sub(start)
	e.logger.Debug().
		Str("operation", input.Operation).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Int("warnings", len(decision.Warnings)).
		Dur("duration", decision.Duration).
		Msg("Release gate evaluated")
	return decision, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluatePolicy collects the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input ReleaseInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation converts one deny entry. Entries may be plain strings or
// objects with message, severity and subject keys.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if subject, ok := v["subject"].(string); ok {
			violation.Subject = subject
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy parses a policy and prepares its deny query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// Policy returns a loaded policy by name.
func (e *Engine) Policy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
