package journal

import (
	"context"
	"sync"

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// MemoryStorage is an in-memory Storage implementation.
// Suitable for testing and single-instance deployments.
type MemoryStorage struct {
	mu            sync.RWMutex
	signals       map[string]*signal.Signal
	causeOf       map[string]string   // effect id -> cause id
	effectsOf     map[string][]string // cause id -> effect ids
	conversations map[string][]string // subject -> signal ids
	order         []string            // insertion order of signal ids
}

// NewMemoryStorage creates an empty in-memory journal storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		signals:       make(map[string]*signal.Signal),
		causeOf:       make(map[string]string),
		effectsOf:     make(map[string][]string),
		conversations: make(map[string][]string),
	}
}

// PutSignal implements Storage.
func (m *MemoryStorage) PutSignal(_ context.Context, sig *signal.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.signals[sig.ID]; !exists {
		m.order = append(m.order, sig.ID)
	}
	m.signals[sig.ID] = sig
	return nil
}

// GetSignal implements Storage.
func (m *MemoryStorage) GetSignal(_ context.Context, id string) (*signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil, ErrSignalNotFound
	}
	return sig, nil
}

// PutCause implements Storage.
func (m *MemoryStorage) PutCause(_ context.Context, causeID, effectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.causeOf[effectID] = causeID
	m.effectsOf[causeID] = append(m.effectsOf[causeID], effectID)
	return nil
}

// GetCause implements Storage.
func (m *MemoryStorage) GetCause(_ context.Context, effectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.causeOf[effectID], nil
}

// GetEffects implements Storage.
func (m *MemoryStorage) GetEffects(_ context.Context, causeID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effects := m.effectsOf[causeID]
	out := make([]string, len(effects))
	copy(out, effects)
	return out, nil
}

// PutConversation implements Storage.
func (m *MemoryStorage) PutConversation(_ context.Context, subject, signalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations[subject] = append(m.conversations[subject], signalID)
	return nil
}

// GetConversation implements Storage.
func (m *MemoryStorage) GetConversation(_ context.Context, subject string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.conversations[subject]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// AllSignals implements Storage.
func (m *MemoryStorage) AllSignals(_ context.Context) ([]*signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*signal.Signal, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.signals[id])
	}
	return out, nil
}

// Close implements Storage.
func (m *MemoryStorage) Close() error {
	return nil
}
