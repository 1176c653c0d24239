package node

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotConnected = errors.New("peer not connected")

type peer struct {
	conn    Connection
	limiter *rate.Limiter
	since   time.Time
}

type PeerInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Since      time.Time `json:"since"`
}

type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newPeerTable() *peerTable { return &peerTable{peers: make(map[string]*peer)} }

// add registers p and returns the peer it replaced, if any.
func (m *peerTable) add(p *peer) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.peers[p.conn.ID()]
	m.peers[p.conn.ID()] = p
	return old
}

// remove drops conn only if it is still the registered connection for its id.
func (m *peerTable) remove(conn Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[conn.ID()]
	if !ok || p.conn != conn {
		return false
	}
	delete(m.peers, conn.ID())
	return true
}

func (m *peerTable) get(id string) (*peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p, nil
	}
	return nil, ErrNotConnected
}

func (m *peerTable) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *peerTable) list() []PeerInfo {
	m.mu.RLock()
	out := make([]PeerInfo, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, PeerInfo{ID: id, RemoteAddr: remoteAddr(p.conn), Since: p.since})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *peerTable) all() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.conn)
	}
	return out
}
