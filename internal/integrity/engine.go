// internal/integrity/engine.go
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Check is a named invariant over the stored records.
type Check struct {
	Name       string
	Hypothesis string
	Metric     Metric
	Repair     []Action
}

// Metric defines a measurable property of the record store
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a repair step run when a check fails and repair was requested.
type Action struct {
	Type    string // reconcile, prune
	Target  string
	Execute func(context.Context) error
}

// CheckResult captures one check execution.
type CheckResult struct {
	Name       string       `json:"name"`
	Hypothesis string       `json:"hypothesis"`
	Held       bool         `json:"held"`
	Value      float64      `json:"value"`
	Expected   float64      `json:"expected"`
	Operator   string       `json:"operator"`
	Repaired   bool         `json:"repaired,omitempty"`
	After      *float64     `json:"after,omitempty"`
	Errors     []ErrorEvent `json:"errors,omitempty"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Report is the outcome of one engine run.
type Report struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Repair    bool          `json:"repair"`
	Healthy   bool          `json:"healthy"`
	Results   []CheckResult `json:"results"`
}

// Failed returns the checks that did not hold.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if !c.Held {
			out = append(out, c)
		}
	}
	return out
}

// Observer is told the measured value of every check, e.g. to export it as a gauge.
type Observer func(check string, value float64, held bool)

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observe = o }
}

// Engine runs the registered checks.
type Engine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	observe Observer
	checks  []Check
	mu      sync.Mutex
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		tracer: otel.Tracer("tsoam/integrity"),
		logger: slog.Default(),
		now:    time.Now,
		checks: make([]Check, 0),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register adds a check to the suite
func (e *Engine) Register(c ...Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks = append(e.checks, c...)
}

// Checks returns the registered checks.
func (e *Engine) Checks() []Check {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Check(nil), e.checks...)
}

// Run evaluates every check. With repair set, a failing check runs its repair actions and is
// measured again; it holds only if the second measurement passes.
func (e *Engine) Run(ctx context.Context, repair bool) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "integrity.run",
		trace.WithAttributes(attribute.Bool("integrity.repair", repair)))
	defer span.End()

	report := &Report{StartTime: e.now(), Repair: repair, Healthy: true}
	for _, c := range e.Checks() {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("integrity run: %w", err)
		}
		res := e.runCheck(ctx, c, repair)
		if !res.Held {
			report.Healthy = false
		}
		report.Results = append(report.Results, res)
	}
	report.EndTime = e.now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	span.SetAttributes(
		attribute.Bool("integrity.healthy", report.Healthy),
		attribute.Int("integrity.failed", len(report.Failed())),
	)
	if !report.Healthy {
		span.SetStatus(codes.Error, "integrity checks failed")
	}
	return report, nil
}

func (e *Engine) runCheck(ctx context.Context, c Check, repair bool) CheckResult {
	ctx, span := e.tracer.Start(ctx, "integrity.check",
		trace.WithAttributes(attribute.String("check.name", c.Name)))
	defer span.End()

	res := CheckResult{
		Name:       c.Name,
		Hypothesis: c.Hypothesis,
		Expected:   c.Metric.Threshold.Value,
		Operator:   c.Metric.Threshold.Operator,
	}

	// Phase 1: Measure
	value, err := c.Metric.Query(ctx)
	if err != nil {
		res.Errors = append(res.Errors, e.errorEvent(err, c.Metric.Name))
		span.RecordError(err)
		e.report(c.Name, -1, false)
		return res
	}
	res.Value = value
	res.Held = evaluateThreshold(value, c.Metric.Threshold)
	if res.Held || !repair || len(c.Repair) == 0 {
		e.report(c.Name, value, res.Held)
		if !res.Held {
			e.logger.WarnContext(ctx, "integrity check failed", "check", c.Name, "value", value,
				"expected", fmt.Sprintf("%s %g", c.Metric.Threshold.Operator, c.Metric.Threshold.Value))
		}
		return res
	}

	// Phase 2: Repair
	span.AddEvent("repairing")
	for _, a := range c.Repair {
		if err := a.Execute(ctx); err != nil {
			res.Errors = append(res.Errors, e.errorEvent(err, a.Target))
			span.RecordError(err)
		}
	}
	res.Repaired = true

	// Phase 3: Measure again
	after, err := c.Metric.Query(ctx)
	if err != nil {
		res.Errors = append(res.Errors, e.errorEvent(err, c.Metric.Name))
		e.report(c.Name, -1, false)
		return res
	}
	res.After = &after
	res.Held = evaluateThreshold(after, c.Metric.Threshold)
	e.report(c.Name, after, res.Held)
	e.logger.InfoContext(ctx, "integrity repair ran", "check", c.Name, "before", value, "after", after, "held", res.Held)
	return res
}

func (e *Engine) errorEvent(err error, component string) ErrorEvent {
	return ErrorEvent{Timestamp: e.now(), Error: err.Error(), Component: component}
}

func (e *Engine) report(check string, value float64, held bool) {
	if e.observe != nil {
		e.observe(check, value, held)
	}
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
