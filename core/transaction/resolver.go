package transaction

import (
	"context"
	"fmt"
	"sync"
)

// Resolver returns the descriptor of the call site issuing an operation.
// Resolution must be a pure lookup: the same ctx always yields the same
// descriptor.
type Resolver interface {
	Resolve(ctx context.Context) (Descriptor, bool)
}

type descriptorCtxKey struct{}
type callSiteCtxKey struct{}

// WithDescriptor attaches d to ctx. Operations issued with the returned
// context take part in the shared transaction d names.
func WithDescriptor(ctx context.Context, d Descriptor) context.Context {
	return context.WithValue(ctx, descriptorCtxKey{}, d)
}

func DescriptorFromContext(ctx context.Context) (Descriptor, bool) {
	d, ok := ctx.Value(descriptorCtxKey{}).(Descriptor)
	return d, ok
}

// WithCallSite names the call site issuing operations with the returned
// context. A Catalog resolves the name to the descriptor registered for it.
func WithCallSite(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callSiteCtxKey{}, name)
}

func CallSiteFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(callSiteCtxKey{}).(string)
	return name, ok && name != ""
}

// ContextResolver resolves descriptors attached with WithDescriptor only.
type ContextResolver struct{}

func (ContextResolver) Resolve(ctx context.Context) (Descriptor, bool) {
	return DescriptorFromContext(ctx)
}

// Catalog maps call-site names to descriptors declared up front, typically
// from configuration. A descriptor attached to the context directly takes
// precedence over the catalog entry.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Descriptor)}
}

// Register declares the descriptor for callSite. Registering the same call
// site twice is an error, since its descriptor must stay stable.
func (c *Catalog) Register(callSite string, d Descriptor) error {
	if callSite == "" {
		return fmt.Errorf("%w: empty call site name", ErrInvalidDescriptor)
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("call site %q: %w", callSite, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[callSite]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateCallSite, callSite)
	}
	c.entries[callSite] = d
	return nil
}

func (c *Catalog) Lookup(callSite string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[callSite]
	return d, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalog) Resolve(ctx context.Context) (Descriptor, bool) {
	if d, ok := DescriptorFromContext(ctx); ok {
		return d, true
	}
	if name, ok := CallSiteFromContext(ctx); ok {
		return c.Lookup(name)
	}
	return Descriptor{}, false
}
