package forwarding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

var ErrNoRoute = errors.New("no route to destination")

// Route maps a destination node to the connection that leads to it.
type Route struct {
	Destination proto.NetworkingNodeID `json:"destination"`
	NextHop     string                 `json:"nextHop"`
	Priority    int                    `json:"priority"`
	Learned     bool                   `json:"learned"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// RouteStore persists routes. Implementations must be safe for concurrent use.
type RouteStore interface {
	Get(ctx context.Context, dest proto.NetworkingNodeID) (Route, bool, error)
	Put(ctx context.Context, r Route) error
	Delete(ctx context.Context, dest proto.NetworkingNodeID) error
	List(ctx context.Context) ([]Route, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	routes map[proto.NetworkingNodeID]Route
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{routes: make(map[proto.NetworkingNodeID]Route)}
}

func (m *MemoryStore) Get(_ context.Context, dest proto.NetworkingNodeID) (Route, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[dest]
	return r, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, r Route) error {
	m.mu.Lock()
	m.routes[r.Destination] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, dest proto.NetworkingNodeID) error {
	m.mu.Lock()
	delete(m.routes, dest)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	return out, nil
}

// RoutingTable resolves destinations to next hops. It keeps one route per
// destination: a static route is never replaced by a learned one whatever
// its priority, and Priority only orders List. The default route catches
// the rest.
type RoutingTable struct {
	store RouteStore
	log   *util.Logger

	mu         sync.RWMutex
	defaultHop string
}

func NewRoutingTable(store RouteStore, log *util.Logger) *RoutingTable {
	if log == nil {
		log = util.NopLogger()
	}
	return &RoutingTable{store: store, log: log}
}

// SetDefault sets the next hop for unknown destinations; "" clears it.
func (t *RoutingTable) SetDefault(hop string) {
	t.mu.Lock()
	t.defaultHop = hop
	t.mu.Unlock()
}

func (t *RoutingTable) Default() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultHop
}

// Add installs a static route.
func (t *RoutingTable) Add(ctx context.Context, dest proto.NetworkingNodeID, hop string, priority int) error {
	return t.store.Put(ctx, Route{Destination: dest, NextHop: hop, Priority: priority, UpdatedAt: time.Now().UTC()})
}

func (t *RoutingTable) Remove(ctx context.Context, dest proto.NetworkingNodeID) error {
	return t.store.Delete(ctx, dest)
}

// Learn records that source was reached through hop, so responses and
// later requests to source can be routed back. A static route is kept.
func (t *RoutingTable) Learn(ctx context.Context, source proto.NetworkingNodeID, hop string) error {
	if source == "" || hop == "" {
		return nil
	}
	cur, ok, err := t.store.Get(ctx, source)
	if err != nil {
		return err
	}
	if ok && (!cur.Learned || cur.NextHop == hop) {
		return nil
	}
	t.log.Debugf("learned route %s via %s", source, hop)
	return t.store.Put(ctx, Route{Destination: source, NextHop: hop, Learned: true, UpdatedAt: time.Now().UTC()})
}

// Forget drops every learned route through hop.
func (t *RoutingTable) Forget(ctx context.Context, hop string) error {
	routes, err := t.store.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range routes {
		if r.Learned && r.NextHop == hop {
			errs = append(errs, t.store.Delete(ctx, r.Destination))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the next hop for dest.
func (t *RoutingTable) Resolve(ctx context.Context, dest proto.NetworkingNodeID) (string, error) {
	r, ok, err := t.store.Get(ctx, dest)
	if err != nil {
		t.log.Warnf("route lookup for %s: %v", dest, err)
	}
	if ok && r.NextHop != "" {
		return r.NextHop, nil
	}
	if hop := t.Default(); hop != "" {
		return hop, nil
	}
	return "", ErrNoRoute
}

// List returns all routes, highest priority first.
func (t *RoutingTable) List(ctx context.Context) ([]Route, error) {
	routes, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority > routes[j].Priority
		}
		return routes[i].Destination < routes[j].Destination
	})
	return routes, nil
}
