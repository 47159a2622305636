package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
)

const (
	predicateTimeout   = time.Second
	predicateMaxAllocs = 10000
	predicateResultVar = "__match"
)

// Predicates compiles and caches event predicate scripts.
// A predicate is a tengo expression over the map `event`,
// e.g. `event.file_size > 1048576 && event.file_extension == "pdf"`.
type Predicates struct {
	mu       sync.Mutex
	compiled map[string]*tengo.Compiled
}

// NewPredicates creates an empty cache.
func NewPredicates() *Predicates {
	return &Predicates{compiled: make(map[string]*tengo.Compiled)}
}

// Compile checks that expr is a valid predicate.
func (p *Predicates) Compile(expr string) error {
	_, err := p.get(expr)
	return err
}

// Eval runs expr against the event fields and reports whether it is truthy.
func (p *Predicates) Eval(ctx context.Context, expr string, event map[string]any) (bool, error) {
	base, err := p.get(expr)
	if err != nil {
		return false, err
	}
	c := base.Clone()
	if err := c.Set("event", event); err != nil {
		return false, fmt.Errorf("binding event: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, predicateTimeout)
	defer cancel()
	if err := c.RunContext(runCtx); err != nil {
		return false, fmt.Errorf("running predicate: %w", err)
	}
	return c.Get(predicateResultVar).Bool(), nil
}

func (p *Predicates) get(expr string) (*tengo.Compiled, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.compiled[expr]; ok {
		return c, nil
	}

	script := tengo.NewScript([]byte(predicateResultVar + " := (" + expr + ")"))
	script.SetMaxAllocs(predicateMaxAllocs)
	if err := script.Add("event", map[string]any{}); err != nil {
		return nil, fmt.Errorf("declaring event: %w", err)
	}
	c, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling predicate: %w", err)
	}
	p.compiled[expr] = c
	return c, nil
}
