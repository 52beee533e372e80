package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager enforces single-flight per (account, provider, resource) and
// owns the periodic sync loops. Triggers are fire-and-forget: callers
// observe results through the run log.
type Manager struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	inflight map[string]struct{}
	loops    map[string]context.CancelFunc
}

// NewManager creates a sync manager. interval is the period of
// registered sync loops.
func NewManager(orch *Orchestrator, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		orch:     orch,
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
		loops:    make(map[string]context.CancelFunc),
	}
}

func runKey(accountID string, provider ProviderName, resource string) string {
	return fmt.Sprintf("%s:%s:%s", accountID, provider, resource)
}

// RequestSync launches one sync attempt in the background. Returns
// ErrAlreadyRunning when the triple already has an attempt in flight;
// concurrent writers of the same cursor would corrupt incremental
// state, so the second request is rejected rather than queued.
func (m *Manager) RequestSync(accountID string, provider ProviderName, resource, mode string) error {
	return m.launch(context.Background(), accountID, provider, resource, mode)
}

func (m *Manager) launch(ctx context.Context, accountID string, provider ProviderName, resource, mode string) error {
	key := runKey(accountID, provider, resource)
	if !m.acquire(key) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}

	go func() {
		defer m.release(key)
		if _, err := m.orch.SyncResource(ctx, accountID, provider, resource, mode); err != nil {
			m.logger.Warn("sync attempt failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}()
	return nil
}

// acquire inserts the key only if absent, under one lock acquisition.
func (m *Manager) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inflight[key]; exists {
		return false
	}
	m.inflight[key] = struct{}{}
	return true
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, key)
}

// IsRunning reports whether the triple has an attempt in flight.
func (m *Manager) IsRunning(accountID string, provider ProviderName, resource string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.inflight[runKey(accountID, provider, resource)]
	return exists
}

// Running returns the keys of in-flight attempts.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.inflight))
	for key := range m.inflight {
		keys = append(keys, key)
	}
	return keys
}

// StartLoop registers a periodic incremental sync for the triple. A
// tick that lands while the previous attempt is still running is
// skipped.
func (m *Manager) StartLoop(ctx context.Context, accountID string, provider ProviderName, resource string) error {
	key := runKey(accountID, provider, resource)

	m.mu.Lock()
	if _, exists := m.loops[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("sync loop already registered for %s", key)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loops[key] = cancel
	m.mu.Unlock()

	go func() {
		m.logger.Info("sync loop started", zap.String("key", key))

		if err := m.launch(loopCtx, accountID, provider, resource, ""); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			m.logger.Warn("sync loop trigger failed", zap.String("key", key), zap.Error(err))
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				m.logger.Info("sync loop stopped", zap.String("key", key))
				return
			case <-ticker.C:
				err := m.launch(loopCtx, accountID, provider, resource, "")
				if err != nil && !errors.Is(err, ErrAlreadyRunning) {
					m.logger.Warn("sync loop trigger failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// StopLoop cancels the periodic sync for a triple.
func (m *Manager) StopLoop(accountID string, provider ProviderName, resource string) error {
	key := runKey(accountID, provider, resource)

	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, exists := m.loops[key]
	if !exists {
		return fmt.Errorf("no sync loop registered for %s", key)
	}
	cancel()
	delete(m.loops, key)
	return nil
}

// StopAll cancels every registered loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, cancel := range m.loops {
		m.logger.Info("stopping sync loop", zap.String("key", key))
		cancel()
	}
	m.loops = make(map[string]context.CancelFunc)
}
