// Package api exposes the admin HTTP surface over one aof.Writer plus
// its Rewriter: trigger a rewrite, inspect current state, and block a
// caller until a target offset is durable.
package api

import (
	"github.com/fulldump/box"

	"github.com/fulldump/aofdb/aof"
)

// Admin is the set of collaborators the admin endpoints reach into.
// It holds no state of its own beyond what the Writer/Rewriter/rate
// limiter already track.
type Admin struct {
	Writer      *aof.Writer
	Rewriter    *aof.Rewriter
	RateLimiter *aof.RewriteRateLimiter
	Prefix      string
}

func Build(a *Admin) *box.B {

	b := box.NewBox()

	v1 := b.Resource("/v1")

	v1.Resource("/status").
		WithActions(
			box.Get(a.status).WithName("status"),
		)

	v1.Resource("/rewrite").
		WithActions(
			box.Post(a.rewrite).WithName("rewrite").WithInterceptors(InterceptorClosed(a.Writer)),
		)

	v1.Resource("/waitaof").
		WithActions(
			box.Get(a.waitaof).WithName("waitaof").WithInterceptors(InterceptorClosed(a.Writer)),
		)

	return b
}
