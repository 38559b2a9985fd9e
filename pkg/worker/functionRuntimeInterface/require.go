package functionRuntimeInterface

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds the real implementation of a module.
type Factory func(ctx context.Context) (any, error)

// MockHandler may substitute a module for a function. Returning ok=false falls
// back to the provided implementation.
type MockHandler func(ctx context.Context, function, module string) (value any, ok bool, err error)

type resolverKey struct{}

// resolver hands out modules to user code. Values are cached per configuration;
// a new configuration message starts with an empty cache.
type resolver struct {
	mu          sync.Mutex
	providers   map[string]Factory
	mock        MockHandler
	mockEnabled bool
	function    string
	cache       map[string]any
	generation  uint64

	group singleflight.Group
}

func newResolver() *resolver {
	return &resolver{
		providers: make(map[string]Factory),
		cache:     make(map[string]any),
	}
}

func (r *resolver) provide(module string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[module] = factory
	delete(r.cache, module)
}

func (r *resolver) setMockHandler(h MockHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mock = h
}

func (r *resolver) reset(function string, mockEnabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.function = function
	r.mockEnabled = mockEnabled
	r.cache = make(map[string]any)
	r.generation++
}

func (r *resolver) require(ctx context.Context, module string) (any, error) {
	r.mu.Lock()
	if v, ok := r.cache[module]; ok {
		r.mu.Unlock()
		return v, nil
	}
	gen := r.generation
	r.mu.Unlock()

	v, err, _ := r.group.Do(fmt.Sprintf("%d/%s", gen, module), func() (any, error) {
		v, err := r.load(ctx, module)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.generation == gen {
			r.cache[module] = v
		}
		r.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (r *resolver) load(ctx context.Context, module string) (any, error) {
	r.mu.Lock()
	mock, mockEnabled, function := r.mock, r.mockEnabled, r.function
	factory, provided := r.providers[module]
	r.mu.Unlock()

	if mockEnabled && mock != nil {
		v, ok, err := mock(ctx, function, module)
		if err != nil {
			return nil, fmt.Errorf("mock for module %q: %w", module, err)
		}
		if ok {
			return v, nil
		}
	}
	if !provided {
		return nil, &ModuleNotFoundError{Module: module}
	}
	return factory(ctx)
}

func withResolver(ctx context.Context, r *resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

// Require resolves a module for the running function. Handlers receive a
// context that carries the resolver of their Function.
func Require(ctx context.Context, module string) (any, error) {
	r, ok := ctx.Value(resolverKey{}).(*resolver)
	if !ok {
		return nil, ErrNoResolver
	}
	return r.require(ctx, module)
}

// RequireAs is Require with a type assertion.
func RequireAs[T any](ctx context.Context, module string) (T, error) {
	var zero T
	v, err := Require(ctx, module)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("module %q is %T, not %T", module, v, zero)
	}
	return t, nil
}
