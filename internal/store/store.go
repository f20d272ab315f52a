// Package store persists incidents and their audit history.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Repository is the durable home of incidents. SaveIncident is synchronous:
// when it returns nil the incident, including every audit event appended so
// far, is stored. Audit events are append-only; a save never rewrites or
// drops an event that was already persisted.
type Repository interface {
	SaveIncident(ctx context.Context, inc *domain.Incident) error
	// LoadIncident returns an error wrapping domain.ErrIncidentNotFound for
	// unknown ids.
	LoadIncident(ctx context.Context, id string) (*domain.Incident, error)
	// ListIncidents returns every stored incident, oldest first.
	ListIncidents(ctx context.Context) ([]*domain.Incident, error)
	Close() error
}

// Memory is an in-process Repository.
type Memory struct {
	mu        sync.RWMutex
	incidents map[string]*domain.Incident
}

func NewMemory() *Memory {
	return &Memory{incidents: make(map[string]*domain.Incident)}
}

func (m *Memory) SaveIncident(_ context.Context, inc *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := inc.Clone()
	if prev, ok := m.incidents[inc.ID]; ok && len(prev.History) > len(c.History) {
		// keep events a stale copy does not know about
		c.History = append(c.History, prev.History[len(c.History):]...)
	}
	m.incidents[inc.ID] = c
	return nil
}

func (m *Memory) LoadIncident(_ context.Context, id string) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, domain.NewError("store.load", domain.ErrIncidentNotFound, nil, "%s", id)
	}
	return inc.Clone(), nil
}

func (m *Memory) ListIncidents(_ context.Context) ([]*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
