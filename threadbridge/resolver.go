package threadbridge

import (
	"context"
	"net"
)

// lookupFunc matches net.Resolver.LookupHost's signature, injectable for
// tests.
type lookupFunc func(ctx context.Context, host string) ([]string, error)

// NameResolver runs DNS lookups on a single dedicated worker goroutine
// (spec.md section 6.11), since net.Resolver.LookupHost blocks and this
// engine's swarm/scheduler loops must not stall behind a slow or hung
// resolver.
type NameResolver struct {
	pool   *Pool
	lookup lookupFunc
}

// NewNameResolver constructs a NameResolver using resolver (net.DefaultResolver
// if nil) to perform lookups, posting results back through bridge.
func NewNameResolver(bridge *Bridge, resolver *net.Resolver) *NameResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return newNameResolver(bridge, resolver.LookupHost)
}

func newNameResolver(bridge *Bridge, lookup lookupFunc) *NameResolver {
	return &NameResolver{pool: NewPool(bridge, 16), lookup: lookup}
}

// Resolve looks up host on the worker goroutine and delivers the result
// through the bridge once it returns.
func (n *NameResolver) Resolve(ctx context.Context, host string, deliver func(addrs []string, err error)) {
	n.pool.Submit(
		func() (interface{}, error) {
			return n.lookup(ctx, host)
		},
		func(v interface{}, err error) {
			addrs, _ := v.([]string)
			deliver(addrs, err)
		},
	)
}

// Stop stops the resolver's worker goroutine.
func (n *NameResolver) Stop() { n.pool.Stop() }
