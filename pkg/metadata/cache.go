package metadata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var _ Registry = &Cache{}

// Cache keeps descriptors in memory in front of a Client. Concurrent misses for
// the same name share a single lookup, and the entries follow the store through
// WatchFunctions once Run is started.
type Cache struct {
	client Client
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*FunctionDescriptor
	group   singleflight.Group

	watchBackoff time.Duration
}

func NewCache(client Client, logger *slog.Logger) *Cache {
	return &Cache{
		client:       client,
		logger:       logger.With("component", "metadata-cache"),
		entries:      make(map[string]*FunctionDescriptor),
		watchBackoff: 2 * time.Second,
	}
}

// GetFunction returns the cached descriptor or loads it from the store.
func (c *Cache) GetFunction(ctx context.Context, name string) (*FunctionDescriptor, error) {
	c.mu.RLock()
	desc, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return desc.Clone(), nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		desc, err := c.client.GetFunction(ctx, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[name] = desc
		c.mu.Unlock()
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FunctionDescriptor).Clone(), nil
}

// PutFunction writes desc through to the store and drops the stale entry.
func (c *Cache) PutFunction(ctx context.Context, desc *FunctionDescriptor) error {
	if err := c.client.PutFunction(ctx, desc); err != nil {
		return err
	}
	c.Invalidate(desc.Name)
	return nil
}

// Invalidate drops the cached entry for name.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	c.group.Forget(name)
}

// Run follows the store and keeps the cache coherent until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	for {
		events, errs := c.client.WatchFunctions(ctx, 0)
		c.consume(ctx, events, errs)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.watchBackoff):
			c.logger.Debug("Restarting metadata watch")
		}
	}
}

func (c *Cache) consume(ctx context.Context, events <-chan Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("Metadata watch error", "error", err)
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case EventTypePut:
				c.mu.Lock()
				c.entries[ev.Name] = ev.Function
				c.mu.Unlock()
				c.logger.Debug("Function descriptor updated", "function", ev.Name)
			case EventTypeDelete:
				c.Invalidate(ev.Name)
				c.logger.Debug("Function descriptor removed", "function", ev.Name)
			}
		}
	}
}
