package stats

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// StatsManager fans worker lifecycle events out to listeners. Listeners are
// keyed by id so a client that reconnects within listenerTimeout picks up its
// old channel.
type StatsManager struct {
	Updates          chan StatusUpdate
	UpdateBufferSize int64
	sampleRate       float64
	listeners        map[string]chan StatusUpdate
	toBeTerminated   map[string]chan bool
	mu               sync.RWMutex
	logger           *slog.Logger
	listenerTimeout  time.Duration
}

func NewStatsManager(logger *slog.Logger, listenerTimeout time.Duration, sampleRate float64, updateBufferSize int64) *StatsManager {
	return &StatsManager{
		Updates:          make(chan StatusUpdate, updateBufferSize),
		UpdateBufferSize: updateBufferSize,
		listeners:        make(map[string]chan StatusUpdate),
		toBeTerminated:   make(map[string]chan bool),
		logger:           logger,
		listenerTimeout:  listenerTimeout,
		sampleRate:       sampleRate,
	}
}

func (s *StatsManager) Enqueue(su *StatusUpdate) {
	// Timeouts and crashes are never sampled away.
	if su.Event != EventTimeout && su.Event != EventDown && rand.Float64() >= s.sampleRate {
		return
	}
	select {
	case s.Updates <- *su:
	default:
		s.logger.Warn("Updates channel is full, dropping update", "event", su.Event, "function", su.FunctionName)
	}
}

func (s *StatsManager) AddListener(id string, listener chan StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[id] = listener
	s.logger.Info("Added listener with ID", "id", id)
}

func (s *StatsManager) RemoveListener(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.toBeTerminated, id)
	delete(s.listeners, id)
	s.logger.Debug("Removed listener", "id", id)
}

// GetListenerByID returns the listener registered under id, or nil. A pending
// removal of that listener is cancelled.
func (s *StatsManager) GetListenerByID(id string) chan StatusUpdate {
	s.mu.Lock()
	terminationCh, hasTermination := s.toBeTerminated[id]
	updateChan, hasListener := s.listeners[id]
	if !hasListener {
		s.mu.Unlock()
		return nil
	}
	if hasTermination {
		delete(s.toBeTerminated, id)
	}
	s.mu.Unlock()

	if hasTermination {
		select {
		case terminationCh <- true:
		default:
			s.logger.Warn("Failed to signal termination channel", "id", id)
		}
	}
	return updateChan
}

// RemoveListenerAfterTimeout blocks until either listenerTimeout passes, in
// which case the listener is removed, or GetListenerByID reclaims it.
func (s *StatsManager) RemoveListenerAfterTimeout(id string) {
	terminationCh := make(chan bool, 1)

	s.mu.Lock()
	s.toBeTerminated[id] = terminationCh
	s.logger.Debug("Listener set to be terminated", "id", id)
	s.mu.Unlock()

	timer := time.NewTimer(s.listenerTimeout)
	defer timer.Stop()
	select {
	case <-terminationCh:
		s.logger.Debug("Termination cancelled for listener", "id", id)
	case <-timer.C:
		s.mu.Lock()
		// Only remove if nobody re-armed the termination in the meantime.
		if s.toBeTerminated[id] == terminationCh {
			delete(s.listeners, id)
			delete(s.toBeTerminated, id)
		}
		s.mu.Unlock()
		s.logger.Debug("Listener removed after timeout", "id", id)
	}
}

// ListenerCount is the number of registered listeners.
func (s *StatsManager) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// StartStreamingToListeners copies every update to all listeners until ctx is
// done. Full listeners miss updates rather than block the stream.
func (s *StatsManager) StartStreamingToListeners(ctx context.Context) {
	for {
		var update StatusUpdate
		select {
		case <-ctx.Done():
			return
		case update = <-s.Updates:
		}

		s.mu.RLock()
		active := make(map[string]chan StatusUpdate, len(s.listeners))
		for id, listener := range s.listeners {
			active[id] = listener
		}
		s.mu.RUnlock()

		for id, listener := range active {
			select {
			case listener <- update:
			default:
				s.logger.Debug("Listener is full, dropping update", "id", id)
			}
		}
	}
}
