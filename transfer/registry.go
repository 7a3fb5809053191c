package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/dataplane-engine/rules"
	"github.com/songzhibin97/dataplane-engine/types"
)

// ErrNilEngine is returned when registering a nil engine.
var ErrNilEngine = errors.New("engine is required")

// OrderedRegistry resolves to the first registered engine that can handle a descriptor.
type OrderedRegistry struct {
	engines []Engine
	mu      sync.RWMutex
}

// NewOrderedRegistry creates a registry holding engines in the given order.
func NewOrderedRegistry(engines ...Engine) *OrderedRegistry {
	r := &OrderedRegistry{}
	for _, e := range engines {
		if e != nil {
			r.engines = append(r.engines, e)
		}
	}
	return r
}

// Register appends an engine. Earlier engines win.
func (r *OrderedRegistry) Register(engine Engine) error {
	if engine == nil {
		return ErrNilEngine
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = append(r.engines, engine)
	return nil
}

// Resolve implements Registry.
func (r *OrderedRegistry) Resolve(msg types.StartMessage) Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if e.CanHandle(msg) {
			return e
		}
	}
	return nil
}

// Len returns the number of registered engines.
func (r *OrderedRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// RuleEngine gates an engine behind a boolean capability rule, for example
//
//	source.type == "HttpData" && flowType == "PUSH"
//
// The rule sees source, destination, flowType, destinationType and properties.
type RuleEngine struct {
	Engine
	rule      string
	evaluator rules.Evaluator
}

// NewRuleEngine wraps inner with rule. The rule is checked for syntax when
// the evaluator supports it.
func NewRuleEngine(rule string, evaluator rules.Evaluator, inner Engine) (*RuleEngine, error) {
	if inner == nil {
		return nil, ErrNilEngine
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	if checker, ok := evaluator.(interface{ Check(string) error }); ok {
		if err := checker.Check(rule); err != nil {
			return nil, err
		}
	}
	return &RuleEngine{Engine: inner, rule: rule, evaluator: evaluator}, nil
}

// CanHandle evaluates the rule, then defers to the wrapped engine.
// A rule that fails to evaluate does not match.
func (e *RuleEngine) CanHandle(msg types.StartMessage) bool {
	ok, err := e.evaluator.Evaluate(e.rule, Env(msg))
	if err != nil || !ok {
		return false
	}
	return e.Engine.CanHandle(msg)
}

// Rule returns the capability expression.
func (e *RuleEngine) Rule() string {
	return e.rule
}

func (e *RuleEngine) String() string {
	return fmt.Sprintf("RuleEngine(%s)", e.rule)
}

// Env exposes a descriptor to capability rules.
func Env(msg types.StartMessage) map[string]interface{} {
	return map[string]interface{}{
		"source":          addressEnv(msg.Source),
		"destination":     addressEnv(msg.Destination),
		"flowType":        string(msg.TransferType.FlowType),
		"destinationType": msg.TransferType.DestinationType,
		"properties":      stringMap(msg.Properties),
	}
}

func addressEnv(a *types.DataAddress) map[string]interface{} {
	if a == nil {
		return map[string]interface{}{"type": "", "properties": map[string]string{}}
	}
	return map[string]interface{}{"type": a.Type, "properties": stringMap(a.Properties)}
}

func stringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
