package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

// CryptoRepository reads and replaces SafeCrypto records.
type CryptoRepository interface {
	Read(ctx context.Context, safeID string) (*safe.SafeCrypto, error)
	Write(ctx context.Context, c *safe.SafeCrypto) error
}

// Context is what a step gets to work with. Key is borrowed from the
// orchestrator and must not be destroyed or retained by a step.
type Context struct {
	SafeID   string
	Key      *crypto.Key
	Settings *settings.SafeSettings
	Repo     CryptoRepository
	Store    *store.Store
	Logger   *slog.Logger
}

// Step upgrades a vault from From() to To() = From()+1.
//
// A failed run is retried from the same version on the next unlock, so
// Execute may see data it already partly transformed. Steps that can resume
// from any such state report ReentrantSafe.
type Step interface {
	From() int
	To() int
	Name() string
	ReentrantSafe() bool
	Execute(ctx context.Context, mc *Context) error
}

type transition struct {
	from int
}

func (t transition) From() int { return t.from }
func (t transition) To() int   { return t.from + 1 }

// Chain is the ordered set of registered steps.
type Chain struct {
	steps  map[int]Step
	latest int
}

// NewChain indexes steps by their starting version. Latest is the highest
// To() seen. Gaps are allowed here and reported by Range.
func NewChain(steps ...Step) (*Chain, error) {
	c := &Chain{steps: make(map[int]Step, len(steps))}
	for _, s := range steps {
		if s.To() != s.From()+1 || s.From() < 0 {
			return nil, fmt.Errorf("migration: step %s has invalid transition %d->%d", s.Name(), s.From(), s.To())
		}
		if prev, ok := c.steps[s.From()]; ok {
			return nil, fmt.Errorf("migration: steps %s and %s both start at version %d", prev.Name(), s.Name(), s.From())
		}
		c.steps[s.From()] = s
		if s.To() > c.latest {
			c.latest = s.To()
		}
	}
	return c, nil
}

// Latest is the current schema version.
func (c *Chain) Latest() int { return c.latest }

// Range returns the steps for from -> c.Latest() in order.
func (c *Chain) Range(from int) ([]Step, error) {
	if from < 0 {
		return nil, fmt.Errorf("migration: invalid schema version %d", from)
	}
	var out []Step
	for v := from; v < c.latest; v++ {
		s, ok := c.steps[v]
		if !ok {
			return nil, &StepError{From: v, To: v + 1, Op: "select", Code: CodeMissingStep, Err: ErrMissingStep}
		}
		out = append(out, s)
	}
	return out, nil
}

// Steps returns every registered step ordered by version.
func (c *Chain) Steps() []Step {
	out := make([]Step, 0, len(c.steps))
	for _, s := range c.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From() < out[j].From() })
	return out
}
