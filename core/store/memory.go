package store

import (
	"context"
	"sync"

	"github.com/kilianp07/csms/core/model"
)

// MemoryMessageStore keeps messages in process memory. Used in tests and as
// the default backend when no database is configured.
type MemoryMessageStore struct {
	mu   sync.RWMutex
	msgs map[string][]model.Message
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{msgs: map[string][]model.Message{}}
}

func (s *MemoryMessageStore) Append(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	s.msgs[msg.DeviceID] = append(s.msgs[msg.DeviceID], msg)
	s.mu.Unlock()
	return nil
}

func (s *MemoryMessageStore) Recent(_ context.Context, deviceID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[deviceID]
	n := len(all)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryMessageStore) LastSequence(_ context.Context, deviceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[deviceID]
	if len(all) == 0 {
		return 0, nil
	}
	var max int64
	for _, m := range all {
		if m.Sequence > max {
			max = m.Sequence
		}
	}
	return max, nil
}

func (s *MemoryMessageStore) Close() error { return nil }

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.ChargingSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]model.ChargingSession{}}
}

// Put inserts or replaces a session.
func (s *MemorySessionStore) Put(sess model.ChargingSession) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Get returns the session by id.
func (s *MemorySessionStore) Get(id string) (model.ChargingSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MemorySessionStore) ActiveSessions(_ context.Context, deviceID string) ([]model.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ChargingSession
	for _, sess := range s.sessions {
		if sess.DeviceID == deviceID && sess.Status == model.SessionActive {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *MemorySessionStore) StopSession(_ context.Context, sess model.ChargingSession) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Close() error { return nil }

// MemoryBalanceService records credits keyed by tag, making Credit idempotent.
type MemoryBalanceService struct {
	mu      sync.Mutex
	credits map[string]float64
}

func NewMemoryBalanceService() *MemoryBalanceService {
	return &MemoryBalanceService{credits: map[string]float64{}}
}

func (b *MemoryBalanceService) Credit(_ context.Context, customerID string, amount float64, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.credits[tag]; ok {
		return nil
	}
	b.credits[tag] = amount
	return nil
}

// Credited returns the amount recorded for the tag.
func (b *MemoryBalanceService) Credited(tag string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amt, ok := b.credits[tag]
	return amt, ok
}

// StaticTariffSource returns the same tariff for every device. A nil tariff
// means no pricing is configured.
type StaticTariffSource struct {
	Tariff *model.Tariff
}

func (s StaticTariffSource) TariffFor(context.Context, string) (*model.Tariff, error) {
	return s.Tariff, nil
}
