package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// Default policy: allow everything, no violations. Operators replace it
// with POLICY_FILE.
const defaultPolicy = `
	package grain.policy

	default allow = true

	violations[msg] {
		false
		msg := "unreachable"
	}

	allow = false {
		count(violations) > 0
	}
`

// Service evaluates a rego pull gate on top of the ACL engine. It can
// deny a pull the ACL allowed, never the reverse.
type Service struct {
	mu            sync.RWMutex
	CurrentPolicy string
}

func NewService() *Service {
	return &Service{CurrentPolicy: defaultPolicy}
}

// NewServiceFromFile loads a rego module from disk and validates it.
func NewServiceFromFile(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	s := NewService()
	if err := s.UpdatePolicy(string(data)); err != nil {
		return nil, err
	}
	return s, nil
}

// GetPolicy returns the current rego policy.
func (s *Service) GetPolicy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentPolicy
}

// UpdatePolicy replaces the current rego policy after a compile check.
func (s *Service) UpdatePolicy(policy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := rego.New(
		rego.Query("data.grain.policy.allow"),
		rego.Module("policy.rego", policy),
	).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("invalid policy syntax: %w", err)
	}

	s.CurrentPolicy = policy
	return nil
}

// EvaluationInput is the document handed to OPA.
type EvaluationInput struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	User       string `json:"user"`
	Action     string `json:"action"`
}

// Evaluate checks if the action is allowed.
// Returns allowed (bool) and a list of violation messages.
func (s *Service) Evaluate(ctx context.Context, input EvaluationInput) (bool, []string, error) {
	s.mu.RLock()
	policyStr := s.CurrentPolicy
	s.mu.RUnlock()

	query, err := rego.New(
		rego.Query("data.grain.policy.allow"),
		rego.Module("policy.rego", policyStr),
	).PrepareForEval(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, nil, fmt.Errorf("failed to eval rego: %w", err)
	}
	if len(results) == 0 {
		return false, nil, fmt.Errorf("undefined result")
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil, fmt.Errorf("unexpected result type")
	}

	var violationMsgs []string
	if !allowed {
		vQuery, _ := rego.New(
			rego.Query("data.grain.policy.violations"),
			rego.Module("policy.rego", policyStr),
		).PrepareForEval(ctx)

		vRes, _ := vQuery.Eval(ctx, rego.EvalInput(input))
		if len(vRes) > 0 {
			if msgs, ok := vRes[0].Expressions[0].Value.([]interface{}); ok {
				for _, m := range msgs {
					violationMsgs = append(violationMsgs, fmt.Sprint(m))
				}
			}
		}
	}

	return allowed, violationMsgs, nil
}
