// Package peers keeps the credentials of stations and nodes allowed to
// connect to the listener with HTTP basic auth.
package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound  = errors.New("peer not found")
	ErrExists    = errors.New("peer exists")
	ErrInvalidID = errors.New("invalid peer id")
)

// Peer is a station or networking node identity. Only the bcrypt hash of
// the password is stored.
type Peer struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"passwordHash"`
	Active       bool   `json:"active"`
}

type Store struct {
	path string
	cost int
	mu   sync.RWMutex
	m    map[string]*Peer
}

func NewStore(path string) *Store {
	return &Store{path: path, cost: bcrypt.DefaultCost, m: make(map[string]*Peer)}
}

// Load reads the store file, creating an empty one if it does not exist.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
				return err
			}
			s.m = map[string]*Peer{}
			return s.saveLocked()
		}
		return err
	}
	s.m = map[string]*Peer{}
	if len(b) == 0 {
		return nil
	}
	var arr []*Peer
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for _, p := range arr {
		s.m[p.ID] = p
	}
	return nil
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.listLocked(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o640)
}

func (s *Store) listLocked() []Peer {
	arr := make([]Peer, 0, len(s.m))
	for _, p := range s.m {
		arr = append(arr, *p)
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
	return arr
}

func (s *Store) List() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

// Validate reports whether id is an active peer and password matches.
func (s *Store) Validate(id, password string) bool {
	s.mu.RLock()
	p, ok := s.m[id]
	s.mu.RUnlock()
	if !ok || !p.Active {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) == nil
}

func (s *Store) ExistsActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[id]
	return ok && p.Active
}

func (s *Store) Create(id, name, password string) (Peer, error) {
	if !ValidID(id) {
		return Peer{}, fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Peer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[id]; exists {
		return Peer{}, fmt.Errorf("%s: %w", id, ErrExists)
	}
	p := &Peer{ID: id, Name: name, PasswordHash: string(hash), Active: true}
	s.m[id] = p
	if err := s.saveLocked(); err != nil {
		return Peer{}, err
	}
	return *p, nil
}

func (s *Store) Rotate(id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	p.PasswordHash = string(hash)
	return s.saveLocked()
}

func (s *Store) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	p.Active = active
	return s.saveLocked()
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(s.m, id)
	return s.saveLocked()
}

// ValidID accepts OCPP identities: 1 to 48 characters out of letters,
// digits and "*-_=:+|@.".
func ValidID(id string) bool {
	if id == "" || len(id) > 48 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '*', r == '-', r == '_', r == '=', r == ':', r == '+', r == '|', r == '@', r == '.':
		default:
			return false
		}
	}
	return true
}
