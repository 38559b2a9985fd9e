package metadata

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
)

const testName = "projects/demo/locations/us-central1/functions/echo"

func testDescriptor() *FunctionDescriptor {
	return &FunctionDescriptor{
		Name:       testName,
		SourcePath: "/tmp/echo",
		EntryPoint: "Echo",
		Trigger:    TriggerHTTP,
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FunctionName
		wantErr bool
	}{
		{name: "valid", input: testName, want: FunctionName{Project: "demo", Location: "us-central1", ShortName: "echo"}},
		{name: "underscore and hyphen", input: "projects/p/locations/l/functions/a_b-c1", want: FunctionName{Project: "p", Location: "l", ShortName: "a_b-c1"}},
		{name: "starts with digit", input: "projects/p/locations/l/functions/1abc", wantErr: true},
		{name: "too long", input: "projects/p/locations/l/functions/a" + strings.Repeat("b", 63), wantErr: true},
		{name: "wrong shape", input: "projects/p/functions/f", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseName(tt.input)
			if tt.wantErr {
				var nameErr *InvalidNameError
				assert.ErrorAs(t, err, &nameErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestResolveTimeout(t *testing.T) {
	logger := utils.DiscardLogger()
	tests := []struct {
		name    string
		timeout *Timeout
		want    time.Duration
	}{
		{name: "missing", timeout: nil, want: DefaultTimeout},
		{name: "explicit", timeout: &Timeout{Seconds: "5"}, want: 5 * time.Second},
		{name: "fractional", timeout: &Timeout{Seconds: "1.5"}, want: 1500 * time.Millisecond},
		{name: "clamped", timeout: &Timeout{Seconds: "3600"}, want: MaxTimeout},
		{name: "malformed", timeout: &Timeout{Seconds: "soon"}, want: DefaultTimeout},
		{name: "negative", timeout: &Timeout{Seconds: "-4"}, want: DefaultTimeout},
		{name: "huge", timeout: &Timeout{Seconds: "1e300"}, want: MaxTimeout},
		{name: "infinite", timeout: &Timeout{Seconds: "Inf"}, want: DefaultTimeout},
		{name: "negative infinite", timeout: &Timeout{Seconds: "-Inf"}, want: DefaultTimeout},
		{name: "not a number", timeout: &Timeout{Seconds: "NaN"}, want: DefaultTimeout},
		{name: "below a nanosecond", timeout: &Timeout{Seconds: "1e-12"}, want: DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor()
			d.Timeout = tt.timeout
			assert.Equal(t, tt.want, ResolveTimeout(d, logger))
		})
	}
}

func TestTimeoutAcceptsNumberOrString(t *testing.T) {
	var d FunctionDescriptor
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","timeout":{"seconds":30}}`), &d))
	assert.Equal(t, "30", d.Timeout.Seconds)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","timeout":{"seconds":"45"}}`), &d))
	assert.Equal(t, "45", d.Timeout.Seconds)
}

func TestDescriptorValidate(t *testing.T) {
	d := testDescriptor()
	assert.NoError(t, d.Validate())

	d.Trigger = "CRON"
	var descErr *InvalidDescriptorError
	assert.ErrorAs(t, d.Validate(), &descErr)

	d = testDescriptor()
	d.ShortName = "other"
	var nameErr *InvalidNameError
	assert.ErrorAs(t, d.Validate(), &nameErr)
}

func TestMemoryClientLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	_, err := m.GetFunction(ctx, testName)
	assert.ErrorIs(t, err, ErrFunctionNotFound)

	require.NoError(t, m.PutFunction(ctx, testDescriptor()))

	got, err := m.GetFunction(ctx, testName)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.ShortName)
	assert.Equal(t, "Echo", got.Target())

	list, err := m.ListFunctions(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Functions, 1)

	require.NoError(t, m.DeleteFunction(ctx, testName))
	assert.ErrorIs(t, m.DeleteFunction(ctx, testName), ErrFunctionNotFound)
}

func TestMemoryClientWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemoryClient()

	events, _ := m.WatchFunctions(ctx, 0)
	require.NoError(t, m.PutFunction(ctx, testDescriptor()))
	require.NoError(t, m.DeleteFunction(ctx, testName))

	ev := <-events
	assert.Equal(t, EventTypePut, ev.Type)
	assert.Equal(t, testName, ev.Name)
	ev = <-events
	assert.Equal(t, EventTypeDelete, ev.Type)
}

type countingClient struct {
	*MemoryClient
	gets atomic.Int32
	gate chan struct{}
}

func (c *countingClient) GetFunction(ctx context.Context, name string) (*FunctionDescriptor, error) {
	c.gets.Add(1)
	<-c.gate
	return c.MemoryClient.GetFunction(ctx, name)
}

func TestCacheDeduplicatesLookups(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryClient()
	require.NoError(t, inner.PutFunction(ctx, testDescriptor()))
	client := &countingClient{MemoryClient: inner, gate: make(chan struct{})}
	cache := NewCache(client, utils.DiscardLogger())

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			d, err := cache.GetFunction(ctx, testName)
			assert.NoError(t, err)
			assert.Equal(t, testName, d.Name)
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(client.gate)
	wg.Wait()

	assert.Equal(t, int32(1), client.gets.Load())

	_, err := cache.GetFunction(ctx, testName)
	require.NoError(t, err)
	assert.Equal(t, int32(1), client.gets.Load(), "second lookup should be served from cache")
}

func TestCacheFollowsWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := NewMemoryClient()
	cache := NewCache(client, utils.DiscardLogger())
	go cache.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, client.PutFunction(ctx, testDescriptor()))
	assert.Eventually(t, func() bool {
		cache.mu.RLock()
		defer cache.mu.RUnlock()
		_, ok := cache.entries[testName]
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.DeleteFunction(ctx, testName))
	assert.Eventually(t, func() bool {
		_, err := cache.GetFunction(ctx, testName)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestCachePutFunctionIsWriteThrough(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cache := NewCache(client, utils.DiscardLogger())

	require.NoError(t, cache.PutFunction(ctx, testDescriptor()))
	d, err := cache.GetFunction(ctx, testName)
	require.NoError(t, err)
	assert.Equal(t, "Echo", d.EntryPoint)

	updated := testDescriptor()
	updated.EntryPoint = "EchoV2"
	require.NoError(t, cache.PutFunction(ctx, updated))
	d, err = cache.GetFunction(ctx, testName)
	require.NoError(t, err)
	assert.Equal(t, "EchoV2", d.EntryPoint)
}
