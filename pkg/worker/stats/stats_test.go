package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
)

func newTestManager(sampleRate float64) *StatsManager {
	return NewStatsManager(utils.DiscardLogger(), 100*time.Millisecond, sampleRate, 64)
}

func receive(t *testing.T, ch chan StatusUpdate) StatusUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
		return StatusUpdate{}
	}
}

func TestStreamingFansOutToAllListeners(t *testing.T) {
	s := newTestManager(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.StartStreamingToListeners(ctx)

	a := make(chan StatusUpdate, 4)
	b := make(chan StatusUpdate, 4)
	s.AddListener("a", a)
	s.AddListener("b", b)

	s.Enqueue(Event().Function("echo").Worker(42).Start().Success())

	for _, ch := range []chan StatusUpdate{a, b} {
		u := receive(t, ch)
		assert.Equal(t, "echo", u.FunctionName)
		assert.Equal(t, 42, u.WorkerPID)
		assert.Equal(t, EventStart, u.Event)
		assert.Equal(t, StatusSuccess, u.Status)
	}
}

func TestSamplingNeverDropsCrashesAndTimeouts(t *testing.T) {
	s := newTestManager(0)

	s.Enqueue(Event().Function("echo").Call().Success())
	s.Enqueue(Event().Function("echo").Down().Failed())
	s.Enqueue(Event().Function("echo").Timeout().Failed())

	require.Len(t, s.Updates, 2)
	assert.Equal(t, EventDown, (<-s.Updates).Event)
	assert.Equal(t, EventTimeout, (<-s.Updates).Event)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	s := NewStatsManager(utils.DiscardLogger(), time.Second, 1, 1)
	s.Enqueue(Event().Function("a").Start())
	s.Enqueue(Event().Function("b").Start())

	require.Len(t, s.Updates, 1)
	assert.Equal(t, "a", (<-s.Updates).FunctionName)
}

func TestListenerReclaimedBeforeTimeout(t *testing.T) {
	s := NewStatsManager(utils.DiscardLogger(), time.Second, 1, 8)
	ch := make(chan StatusUpdate, 1)
	s.AddListener("client", ch)

	done := make(chan struct{})
	go func() {
		s.RemoveListenerAfterTimeout("client")
		close(done)
	}()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, pending := s.toBeTerminated["client"]
		return pending
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, ch, s.GetListenerByID("client"))
	<-done
	assert.Equal(t, 1, s.ListenerCount())
}

func TestListenerRemovedAfterTimeout(t *testing.T) {
	s := newTestManager(1)
	s.AddListener("client", make(chan StatusUpdate, 1))

	s.RemoveListenerAfterTimeout("client")

	assert.Nil(t, s.GetListenerByID("client"))
	assert.Zero(t, s.ListenerCount())
}

func TestStatusUpdateJSON(t *testing.T) {
	u := Event().Function("echo").Worker(7).Timeout().Failed().WithDetail("execution attempt timed out")
	raw, err := json.Marshal(u)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "worker", got["type"])
	assert.Equal(t, "timeout", got["event"])
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "execution attempt timed out", got["detail"])
	assert.EqualValues(t, 7, got["pid"])
}

func TestStatusUpdateDecodesNames(t *testing.T) {
	var u StatusUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"function":"echo","type":"worker","event":"down","status":"failed"}`), &u))
	assert.Equal(t, EventDown, u.Event)
	assert.Equal(t, StatusFailed, u.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"event":"exploded"}`), &u))
}
