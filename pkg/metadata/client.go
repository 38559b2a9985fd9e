package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Registry is the read capability the supervisor needs from the function store.
type Registry interface {
	GetFunction(ctx context.Context, name string) (*FunctionDescriptor, error)
}

// Client is the full function store contract.
type Client interface {
	Registry
	PutFunction(ctx context.Context, desc *FunctionDescriptor) error
	DeleteFunction(ctx context.Context, name string) error
	ListFunctions(ctx context.Context) (*ListResult, error)
	WatchFunctions(ctx context.Context, revision int64) (<-chan Event, <-chan error)
	Close() error
}

var (
	_ Client = &EtcdClient{}
	_ Client = &MemoryClient{}
)

// EtcdClient stores function descriptors in etcd, one key per fully-qualified name.
type EtcdClient struct {
	cli    *clientv3.Client
	prefix string
	logger *slog.Logger
}

// NewClient connects to etcd using the provided endpoints and options.
func NewClient(endpoints []string, opts Options, logger *slog.Logger) (*EtcdClient, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("metadata: at least one etcd endpoint is required")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &EtcdClient{cli: cli, prefix: normalizePrefix(opts.Prefix), logger: logger.With("component", "metadata")}, nil
}

// Close releases the etcd client.
func (c *EtcdClient) Close() error {
	if c == nil || c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// PutFunction stores or replaces the descriptor under its name.
func (c *EtcdClient) PutFunction(ctx context.Context, desc *FunctionDescriptor) error {
	if desc == nil {
		return ErrDescriptorIsNil
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	_, err = c.cli.Put(ctx, c.key(desc.Name), string(payload))
	return err
}

// DeleteFunction removes the descriptor for the given name.
func (c *EtcdClient) DeleteFunction(ctx context.Context, name string) error {
	if name == "" {
		return ErrNameIsEmpty
	}
	resp, err := c.cli.Delete(ctx, c.key(name))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrFunctionNotFound
	}
	return nil
}

// GetFunction returns the descriptor for the given name.
func (c *EtcdClient) GetFunction(ctx context.Context, name string) (*FunctionDescriptor, error) {
	if name == "" {
		return nil, ErrNameIsEmpty
	}

	resp, err := c.cli.Get(ctx, c.key(name))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrFunctionNotFound
	}

	return decodeDescriptor(resp.Kvs[0].Value, name)
}

// ListFunctions loads all descriptors stored under the configured prefix.
func (c *EtcdClient) ListFunctions(ctx context.Context) (*ListResult, error) {
	resp, err := c.cli.Get(ctx, c.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	functions := make([]*FunctionDescriptor, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := c.nameFromKey(string(kv.Key))
		desc, err := decodeDescriptor(kv.Value, name)
		if err != nil {
			c.logger.Error("failed to decode function descriptor", "function", name, "error", err)
			continue
		}
		functions = append(functions, desc)
	}

	return &ListResult{Functions: functions, Revision: resp.Header.Revision}, nil
}

// WatchFunctions streams descriptor changes starting after the provided revision.
func (c *EtcdClient) WatchFunctions(ctx context.Context, revision int64) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		if revision > 0 {
			opts = append(opts, clientv3.WithRev(revision+1))
		}

		watch := c.cli.Watch(ctx, c.prefix+"/", opts...)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watch:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				for _, ev := range resp.Events {
					name := c.nameFromKey(string(ev.Kv.Key))
					var out Event
					switch ev.Type {
					case mvccpb.PUT:
						desc, err := decodeDescriptor(ev.Kv.Value, name)
						if err != nil {
							c.logger.Error("failed to decode function descriptor", "function", name, "error", err)
							continue
						}
						out = Event{Type: EventTypePut, Name: name, Function: desc}
					case mvccpb.DELETE:
						out = Event{Type: EventTypeDelete, Name: name}
					default:
						c.logger.Warn("received unknown event type", "type", ev.Type, "function", name)
						continue
					}
					select {
					case events <- out:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events, errs
}

func (c *EtcdClient) key(name string) string {
	return c.prefix + "/" + name
}

func (c *EtcdClient) nameFromKey(key string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, c.prefix), "/")
}

func decodeDescriptor(raw []byte, name string) (*FunctionDescriptor, error) {
	var desc FunctionDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, err
	}
	if desc.Name == "" {
		desc.Name = name
	}
	if desc.ShortName == "" {
		if n, err := ParseName(desc.Name); err == nil {
			desc.ShortName = n.ShortName
		}
	}
	return &desc, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
