package obit

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
)

// ignoredParams are parameters the engine rejects.
var ignoredParams = []string{"nFITS", "nAIPS", "AIPSuser"}

// Context is an open engine session. It must be opened before tasks run
// and closed exactly once.
type Context struct {
	cat    *aips.Catalogue
	runner Runner
	user   int
	log    *slog.Logger

	mu   sync.Mutex
	open bool
}

// NewContext prepares a session over cat. user is the AIPS user number
// passed to every task.
func NewContext(cat *aips.Catalogue, runner Runner, user int, log *slog.Logger) *Context {
	return &Context{cat: cat, runner: runner, user: user, log: diag.OrDiscard(log).With("comp", "obit")}
}

// Open creates the disks.
func (c *Context) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	if err := c.cat.Setup(); err != nil {
		return err
	}
	c.open = true
	c.log.Debug("engine context opened", "aips_disks", len(c.cat.AIPSDirs), "fits_disks", len(c.cat.FITSDirs))
	return nil
}

// Close ends the session.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.log.Debug("engine context closed")
	return nil
}

func (c *Context) Catalogue() *aips.Catalogue { return c.cat }

// Run runs task with params after removing parameters the engine ignores
// and setting the user number.
func (c *Context) Run(ctx context.Context, task string, params map[string]any) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("%w: cannot run %s", ErrContextClosed, task)
	}
	p := maps.Clone(params)
	if p == nil {
		p = map[string]any{}
	}
	for _, k := range ignoredParams {
		delete(p, k)
	}
	p["user"] = c.user
	t := diag.Start(c.log, "obit", "task", "task", task)
	if err := c.runner.Run(ctx, task, p); err != nil {
		t.Fail("task failed", err)
		return err
	}
	t.Finish("task done", 0)
	return nil
}

// With opens a context, calls fn and closes the context on every path.
func With(cat *aips.Catalogue, runner Runner, user int, log *slog.Logger, fn func(*Context) error) (err error) {
	c := NewContext(cat, runner, user, log)
	if err := c.Open(); err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}
