package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registration is what a game server sends when it announces itself.
type Registration struct {
	IP             string         `json:"ip" binding:"required"`
	Port           int            `json:"port" binding:"required,gte=1,lte=65535"`
	Name           string         `json:"name"`
	MaxPlayers     int            `json:"max_players"`
	CurrentPlayers int            `json:"current_players"`
	Metadata       map[string]any `json:"metadata"`
}

// Server is one registered game server row.
type Server struct {
	ServerID       string
	IP             string
	Port           int
	Name           string
	MaxPlayers     int
	CurrentPlayers int
	Metadata       map[string]any
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
}

// View is the wire representation of a server, with annotated uptime.
type View struct {
	ServerID       string         `json:"server_id"`
	IP             string         `json:"ip"`
	Port           int            `json:"port"`
	Name           string         `json:"name"`
	MaxPlayers     int            `json:"max_players"`
	CurrentPlayers int            `json:"current_players"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegisteredAt   string         `json:"registered_at"`
	LastHeartbeat  string         `json:"last_heartbeat"`
	UptimeSeconds  int            `json:"uptime_seconds"`
}

// Lookup outcomes for Get.
type LookupState int

const (
	LookupActive LookupState = iota
	LookupStale
	LookupMissing
)

// Store is the heartbeat-driven registry. A single mutex guards the table so
// the reaper's scan-and-delete is atomic with respect to registrations; no
// I/O ever happens under the lock.
type Store struct {
	mu      sync.Mutex
	servers map[string]*Server

	heartbeatTimeout time.Duration

	now func() time.Time
}

func New(heartbeatTimeout time.Duration) *Store {
	return &Store{
		servers:          make(map[string]*Server),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// ServerID derives the registry key from an address pair.
func ServerID(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// RegisterOrUpdate upserts a server row. Re-registration keeps the original
// RegisteredAt so uptime survives a missed heartbeat, stale or not; the
// heartbeat clock always restarts at now.
func (s *Store) RegisterOrUpdate(registration Registration) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	serverID := ServerID(registration.IP, registration.Port)

	server, ok := s.servers[serverID]
	if !ok {
		server = &Server{
			ServerID:     serverID,
			RegisteredAt: now,
		}
		s.servers[serverID] = server
	}

	server.IP = registration.IP
	server.Port = registration.Port
	server.Name = registration.Name
	server.MaxPlayers = registration.MaxPlayers
	server.CurrentPlayers = registration.CurrentPlayers
	server.Metadata = registration.Metadata
	server.LastHeartbeat = now

	return s.viewLocked(server, now)
}

// Heartbeat refreshes a server's liveness. currentPlayers is optional; nil
// leaves the last reported count untouched.
func (s *Store) Heartbeat(serverID string, currentPlayers *int) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.servers[serverID]
	if !ok {
		return View{}, false
	}

	now := s.now()
	server.LastHeartbeat = now
	if currentPlayers != nil {
		server.CurrentPlayers = *currentPlayers
	}

	return s.viewLocked(server, now), true
}

// ActiveList returns every server whose last heartbeat is within the
// timeout. Stale rows are invisible here even before the reaper removes
// them.
func (s *Store) ActiveList() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	views := make([]View, 0, len(s.servers))
	for _, server := range s.servers {
		if s.staleLocked(server, now) {
			continue
		}
		views = append(views, s.viewLocked(server, now))
	}

	return views
}

// Get looks up one server and reports whether it is active, present but
// stale, or unknown.
func (s *Store) Get(serverID string) (View, LookupState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.servers[serverID]
	if !ok {
		return View{}, LookupMissing
	}

	now := s.now()
	if s.staleLocked(server, now) {
		return s.viewLocked(server, now), LookupStale
	}

	return s.viewLocked(server, now), LookupActive
}

func (s *Store) Remove(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.servers[serverID]
	delete(s.servers, serverID)

	return ok
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.servers)
}

// CleanupStale removes every server past the heartbeat timeout and returns
// how many were dropped.
func (s *Store) CleanupStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var removed int
	for serverID, server := range s.servers {
		if s.staleLocked(server, now) {
			delete(s.servers, serverID)
			removed++
		}
	}

	return removed
}

// RunReaper evicts stale servers on the given interval until ctx is
// cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.CleanupStale(); removed > 0 {
				zap.L().Info("Evicted stale game servers", zap.Int("count", removed))
			}
		}
	}
}

// staleLocked applies the liveness rule: a heartbeat exactly at the timeout
// boundary still counts as alive.
func (s *Store) staleLocked(server *Server, now time.Time) bool {
	return now.Sub(server.LastHeartbeat) > s.heartbeatTimeout
}

func (s *Store) viewLocked(server *Server, now time.Time) View {
	return View{
		ServerID:       server.ServerID,
		IP:             server.IP,
		Port:           server.Port,
		Name:           server.Name,
		MaxPlayers:     server.MaxPlayers,
		CurrentPlayers: server.CurrentPlayers,
		Metadata:       server.Metadata,
		RegisteredAt:   server.RegisteredAt.UTC().Format(time.RFC3339),
		LastHeartbeat:  server.LastHeartbeat.UTC().Format(time.RFC3339),
		UptimeSeconds:  int(now.Sub(server.RegisteredAt) / time.Second),
	}
}
