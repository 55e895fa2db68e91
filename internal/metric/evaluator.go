package metric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/promptlab/internal/observability"
)

// ErrNoPlugins indicates the registry could not resolve a single plugin for
// a request. It is the only evaluation failure that fails a job.
var ErrNoPlugins = errors.New("no metric plugins resolved")

// Selection requests one plugin with its auxiliary input.
type Selection struct {
	ID    string `json:"id"`
	Input Input  `json:"input"`
}

// Request is one evaluation over a job's output text.
type Request struct {
	Text string
	// Selections picks plugins; empty means the registry defaults.
	Selections []Selection
	// Disabled ids are dropped from the selection.
	Disabled []string
	// Reference fills Input.Reference for selections that do not set one.
	Reference string
}

// Evaluator runs selected plugins concurrently and merges their results
// into a flat map keyed by plugin id.
type Evaluator struct {
	registry *Registry
	cache    Cache
	logger   *slog.Logger
	metrics  observability.Metrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCache enables result caching.
func WithCache(c Cache) EvaluatorOption { return func(e *Evaluator) { e.cache = c } }

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(l *slog.Logger) EvaluatorOption { return func(e *Evaluator) { e.logger = l } }

// WithEvaluatorMetrics sets the metrics collector.
func WithEvaluatorMetrics(m observability.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator over registry.
func NewEvaluator(registry *Registry, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		registry: registry,
		logger:   slog.Default().With("component", "metric_evaluator"),
		metrics:  observability.NewNoOpMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the evaluator's plugin registry.
func (e *Evaluator) Registry() *Registry { return e.registry }

type resolvedPlugin struct {
	plugin Plugin
	sel    Selection
}

// resolve applies defaults, the disabled set and reference filling. found
// counts selections the registry knows about, disabled or not.
func (e *Evaluator) resolve(req Request) (resolved []resolvedPlugin, found int) {
	disabled := make(map[string]bool, len(req.Disabled))
	for _, id := range req.Disabled {
		disabled[id] = true
	}

	selections := req.Selections
	if len(selections) == 0 {
		for _, p := range e.registry.GetDefaults() {
			selections = append(selections, Selection{ID: p.Info().ID})
		}
	}

	seen := make(map[string]bool, len(selections))
	for _, sel := range selections {
		p, ok := e.registry.Get(sel.ID)
		if !ok {
			e.logger.Warn("unknown metric plugin", "plugin", sel.ID)
			continue
		}
		found++
		if seen[sel.ID] || disabled[sel.ID] || !e.registry.IsEnabled(sel.ID) {
			continue
		}
		seen[sel.ID] = true
		if sel.Input.Reference == "" {
			sel.Input.Reference = req.Reference
		}
		resolved = append(resolved, resolvedPlugin{plugin: p, sel: sel})
	}
	return resolved, found
}

// Evaluate computes the selected metrics over req.Text.
//
// A plugin that requires input which is absent or fails Validate contributes
// no entry. A plugin that errors or panics is logged and omitted. Only when
// the registry resolves no plugin at all does Evaluate return ErrNoPlugins.
// Results are normalized to their JSON form so cached and fresh results are
// identical.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (map[string]any, error) {
	resolved, found := e.resolve(req)
	if found == 0 {
		return nil, ErrNoPlugins
	}

	var key string
	if e.cache != nil {
		sels := make([]Selection, len(resolved))
		for i, r := range resolved {
			sels[i] = r.sel
		}
		key = CacheKey(req.Text, sels, req.Disabled, req.Reference)
		if cached, ok := e.cache.Get(ctx, key); ok {
			e.metrics.IncrementCounter(observability.MetricCacheLookups, map[string]string{"result": "hit"}, 1)
			return cached, nil
		}
		e.metrics.IncrementCounter(observability.MetricCacheLookups, map[string]string{"result": "miss"}, 1)
	}

	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make(map[string]any, len(resolved))
		failed  bool
	)
	for _, r := range resolved {
		if !ready(r.plugin, r.sel.Input) {
			e.logger.Debug("metric skipped, input missing or invalid", "plugin", r.sel.ID)
			continue
		}

		// Plugin failures are recorded, never returned, so one failing
		// plugin does not cancel or hide the others.
		g.Go(func() error {
			value, err := e.run(ctx, r, req.Text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				e.metrics.IncrementCounter(observability.MetricPluginFailures, map[string]string{"plugin": r.sel.ID}, 1)
				e.logger.Warn("metric plugin failed", "plugin", r.sel.ID, "error", err)
				return nil
			}
			results[r.sel.ID] = value
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.cache != nil && !failed {
		e.cache.Set(ctx, key, results)
	}
	return results, nil
}

func ready(p Plugin, input Input) bool {
	info := p.Info()
	if info.RequiresInput && !input.has(info.InputKind) {
		return false
	}
	if v, ok := p.(Validator); ok && !v.Validate(input) {
		return false
	}
	return true
}

// run calculates one plugin, converting panics to errors and normalizing the
// result to decoded JSON.
func (e *Evaluator) run(ctx context.Context, r resolvedPlugin, text string) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked: %v", r.sel.ID, rec)
		}
	}()

	raw, err := r.plugin.Calculate(ctx, text, r.sel.Input)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("plugin %s returned unencodable result: %w", r.sel.ID, err)
	}
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, err
	}
	return value, nil
}
