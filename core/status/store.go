package status

import (
	"sort"
	"sync"
	"time"
)

// Connector captures the last reported state of one connector.
type Connector struct {
	DeviceID      string    `json:"device_id"`
	ConnectorID   int       `json:"connector_id"`
	Status        string    `json:"status"`
	LastEnergyWh  float64   `json:"last_energy_wh"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store keeps the real-time connector view fed by the ingestion pipeline.
type Store interface {
	SetStatus(deviceID string, connectorID int, status string, at time.Time)
	SetEnergy(deviceID string, connectorID int, energyWh float64, at time.Time)
	Heartbeat(deviceID string, at time.Time)
	// Reset marks every connector of the device Available, after a
	// StopTransaction or a disconnect settles.
	Reset(deviceID string, at time.Time)
	List(deviceID string) []Connector
}

type key struct {
	device    string
	connector int
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[key]Connector
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[key]Connector{}}
}

func (s *MemoryStore) SetStatus(deviceID string, connectorID int, status string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{deviceID, connectorID}
	c := s.data[k]
	c.DeviceID = deviceID
	c.ConnectorID = connectorID
	c.Status = status
	c.UpdatedAt = at
	s.data[k] = c
}

func (s *MemoryStore) SetEnergy(deviceID string, connectorID int, energyWh float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{deviceID, connectorID}
	c := s.data[k]
	c.DeviceID = deviceID
	c.ConnectorID = connectorID
	c.LastEnergyWh = energyWh
	c.UpdatedAt = at
	s.data[k] = c
}

func (s *MemoryStore) Heartbeat(deviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.data {
		if k.device == deviceID {
			c.LastHeartbeat = at
			s.data[k] = c
		}
	}
}

func (s *MemoryStore) Reset(deviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.data {
		if k.device == deviceID {
			c.Status = "Available"
			c.UpdatedAt = at
			s.data[k] = c
		}
	}
}

func (s *MemoryStore) List(deviceID string) []Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Connector
	for k, c := range s.data {
		if deviceID == "" || k.device == deviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ConnectorID < out[j].ConnectorID
	})
	return out
}
