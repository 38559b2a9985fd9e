package metadata

import (
	"context"
	"sort"
	"sync"
)

// MemoryClient provides an in-memory function store. It backs the supervisor
// when no etcd endpoints are configured and is used throughout the tests.
type MemoryClient struct {
	mu        sync.RWMutex
	functions map[string]*FunctionDescriptor
	watchers  map[int]*memoryWatcher

	revision      int64
	nextWatcherID int
}

type memoryWatcher struct {
	ctx          context.Context
	events       chan Event
	errs         chan error
	lastRevision int64
}

// NewMemoryClient initialises an empty store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		functions: make(map[string]*FunctionDescriptor),
		watchers:  make(map[int]*memoryWatcher),
	}
}

// PutFunction stores or replaces the descriptor under its name.
func (m *MemoryClient) PutFunction(_ context.Context, desc *FunctionDescriptor) error {
	if desc == nil {
		return ErrDescriptorIsNil
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	stored := desc.Clone()
	if stored.ShortName == "" {
		n, _ := ParseName(stored.Name)
		stored.ShortName = n.ShortName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.functions[stored.Name] = stored
	m.broadcastLocked(Event{Type: EventTypePut, Name: stored.Name, Function: stored.Clone()})
	return nil
}

// DeleteFunction removes the descriptor for the given name.
func (m *MemoryClient) DeleteFunction(_ context.Context, name string) error {
	if name == "" {
		return ErrNameIsEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.functions[name]; !exists {
		return ErrFunctionNotFound
	}
	delete(m.functions, name)
	m.broadcastLocked(Event{Type: EventTypeDelete, Name: name})
	return nil
}

// GetFunction returns the descriptor for the given name.
func (m *MemoryClient) GetFunction(_ context.Context, name string) (*FunctionDescriptor, error) {
	if name == "" {
		return nil, ErrNameIsEmpty
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	desc, ok := m.functions[name]
	if !ok {
		return nil, ErrFunctionNotFound
	}
	return desc.Clone(), nil
}

// ListFunctions returns a snapshot of all stored descriptors ordered by name.
func (m *MemoryClient) ListFunctions(_ context.Context) (*ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	functions := make([]*FunctionDescriptor, 0, len(m.functions))
	for _, desc := range m.functions {
		functions = append(functions, desc.Clone())
	}
	sort.Slice(functions, func(i, j int) bool { return functions[i].Name < functions[j].Name })
	return &ListResult{Functions: functions, Revision: m.revision}, nil
}

// WatchFunctions streams changes made after the provided revision until ctx is done.
func (m *MemoryClient) WatchFunctions(ctx context.Context, revision int64) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errs := make(chan error, 1)

	watcher := &memoryWatcher{
		ctx:          ctx,
		events:       events,
		errs:         errs,
		lastRevision: revision,
	}

	m.mu.Lock()
	id := m.nextWatcherID
	m.nextWatcherID++
	m.watchers[id] = watcher
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.dropWatcherLocked(id)
		m.mu.Unlock()
	}()

	return events, errs
}

// Close stops all active watchers.
func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.watchers {
		m.dropWatcherLocked(id)
	}
	return nil
}

func (m *MemoryClient) dropWatcherLocked(id int) {
	w, ok := m.watchers[id]
	if !ok {
		return
	}
	close(w.events)
	close(w.errs)
	delete(m.watchers, id)
}

func (m *MemoryClient) broadcastLocked(ev Event) {
	m.revision++
	for id, watcher := range m.watchers {
		if m.revision <= watcher.lastRevision {
			continue
		}
		select {
		case watcher.events <- ev:
			watcher.lastRevision = m.revision
		case <-watcher.ctx.Done():
			m.dropWatcherLocked(id)
		}
	}
}
