// Package policy evaluates budget/cloud-tier admission decisions through
// Open Policy Agent, with off/dry-run/enforce modes. Grounded on
// Kocoro-lab/Shannon's internal/policy package (an embedded OPA engine
// evaluating a Rego bundle against a per-request input document, with a
// mode flag distinguishing audit-only from enforcing evaluation).
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Modes mirror Shannon's policy.Mode: "off" skips evaluation entirely
// (always allow), "dry_run" evaluates and logs but never denies,
// "enforce" evaluates and denies per the policy's decision.
const (
	ModeOff     = "off"
	ModeDryRun  = "dry_run"
	ModeEnforce = "enforce"
)

// defaultPolicy denies cloud-tier dispatch once the caller-supplied
// input reports cloud_blocked=true or backpressure_level="critical",
// mirroring the Budget Ledger's own isCloudBlocked/backpressure signals
// so operators can layer additional org-specific rules without forking
// Go code.
const defaultPolicy = `
package taskmesh.budget

default allow = true

allow = false {
	input.cloud_blocked == true
	input.requested_tier == "cloud"
}

allow = false {
	input.backpressure_level == "critical"
}
`

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed bool
	Mode    string
	Reason  string
}

// Input is the document evaluated against the policy.
type Input struct {
	RequestedTier     string `json:"requested_tier"`
	CloudBlocked      bool   `json:"cloud_blocked"`
	BackpressureLevel string `json:"backpressure_level"`
	AgentID           string `json:"agent_id,omitempty"`
	TaskType          string `json:"task_type,omitempty"`
}

// Engine evaluates Input documents against a compiled Rego query.
type Engine struct {
	mode   string
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// engineConfig accumulates construction-time options before the Rego
// query is compiled; module is promoted from here into New's
// rego.Module call rather than living on Engine itself.
type engineConfig struct {
	mode   string
	logger *zap.Logger
	module string
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithMode overrides the default "enforce" mode.
func WithMode(mode string) Option {
	return func(c *engineConfig) { c.mode = mode }
}

// WithLogger attaches a zap logger for dry-run/enforce decision logging.
func WithLogger(l *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithRegoModule overrides the built-in default policy with a
// caller-supplied Rego module (operators extending the budget policy
// without a Go code change).
func WithRegoModule(module string) Option {
	return func(c *engineConfig) { c.module = module }
}

// New compiles the policy and constructs an Engine. ctx bounds
// compilation time only; evaluation per-call uses the ctx passed to
// Evaluate.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := &engineConfig{mode: ModeEnforce, logger: zap.NewNop(), module: defaultPolicy}
	for _, opt := range opts {
		opt(cfg)
	}

	r := rego.New(
		rego.Query("data.taskmesh.budget.allow"),
		rego.Module("taskmesh_budget.rego", cfg.module),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy query: %w", err)
	}
	return &Engine{mode: cfg.mode, logger: cfg.logger, query: q}, nil
}

// Evaluate runs the policy against in. In ModeOff, it always allows. In
// ModeDryRun, it evaluates and logs the would-be decision but always
// allows. In ModeEnforce, a denying policy result is surfaced as
// Allowed=false.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if e.mode == ModeOff {
		return Decision{Allowed: true, Mode: ModeOff, Reason: "policy evaluation disabled"}, nil
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"requested_tier":     in.RequestedTier,
		"cloud_blocked":       in.CloudBlocked,
		"backpressure_level":  in.BackpressureLevel,
		"agent_id":            in.AgentID,
		"task_type":           in.TaskType,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}

	allow := true
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if v, ok := results[0].Expressions[0].Value.(bool); ok {
			allow = v
		}
	}

	if e.mode == ModeDryRun {
		if !allow {
			e.logger.Info("policy would deny (dry_run mode)",
				zap.String("requested_tier", in.RequestedTier),
				zap.String("agent_id", in.AgentID))
		}
		return Decision{Allowed: true, Mode: ModeDryRun, Reason: "dry_run: evaluation logged, not enforced"}, nil
	}

	reason := "allowed"
	if !allow {
		reason = "denied by budget policy"
	}
	return Decision{Allowed: allow, Mode: ModeEnforce, Reason: reason}, nil
}
