// Package middleware implements the interceptor chain every CRUD
// operation runs through before touching the store.
package middleware

import "context"

// Ctx carries one operation's invocation context through the chain. Any
// interceptor may mutate Args/Opts, set Result to short-circuit the rest
// of the chain, or call next and post-process its outcome.
type Ctx struct {
	Operation string // "add" | "get" | "set" | "del" | "sub"
	Type      string
	Args      map[string]any
	Opts      map[string]any
	DB        any
	Result    any
}

// Interceptor is one link in the chain. Calling next invokes the rest of
// the chain (and ultimately the operation itself); not calling next
// short-circuits.
type Interceptor func(ctx context.Context, c *Ctx, next func(context.Context) error) error

// Chain is an ordered list of interceptors run before an operation.
type Chain struct {
	interceptors []Interceptor
}

// New builds a Chain from interceptors, run in the given order.
func New(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Use appends an interceptor to the end of the chain.
func (c *Chain) Use(i Interceptor) {
	c.interceptors = append(c.interceptors, i)
}

// Run executes the chain around final, the operation itself. final is
// invoked once every interceptor has called next (or immediately if the
// chain is empty).
func (c *Chain) Run(ctx context.Context, mctx *Ctx, final func(context.Context) error) error {
	return c.runFrom(ctx, mctx, 0, final)
}

func (c *Chain) runFrom(ctx context.Context, mctx *Ctx, idx int, final func(context.Context) error) error {
	if idx >= len(c.interceptors) {
		return final(ctx)
	}
	next := func(nextCtx context.Context) error {
		return c.runFrom(nextCtx, mctx, idx+1, final)
	}
	return c.interceptors[idx](ctx, mctx, next)
}
