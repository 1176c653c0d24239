// Package node is the per-node adapter that joins the codec, the correlation
// engine, signature enforcement, local dispatch and the forwarding layer
// behind a single Connection abstraction.
package node

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/DragonSecurity/ocppnet/internal/correlation"
	"github.com/DragonSecurity/ocppnet/internal/dispatch"
	"github.com/DragonSecurity/ocppnet/internal/forwarding"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/signature"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// Connection is a duplex, message framed link to one peer. Send must be
// safe for concurrent use.
type Connection interface {
	ID() string
	Send(ctx context.Context, kind proto.MessageKind, data []byte) error
	Close() error
}

var (
	metricPeers = prom.NewGauge(prom.GaugeOpts{
		Name: "ocppnet_connected_peers",
		Help: "Number of currently attached peers.",
	})
	metricFrames = prom.NewCounterVec(prom.CounterOpts{
		Name: "ocppnet_frames_received_total",
		Help: "Frames received by kind.",
	}, []string{"kind"})
	metricDropped = prom.NewCounterVec(prom.CounterOpts{
		Name: "ocppnet_frames_dropped_total",
		Help: "Inbound frames dropped or refused by reason.",
	}, []string{"reason"})
)

func init() {
	prom.MustRegister(metricPeers, metricFrames, metricDropped)
}

type Config struct {
	ID            proto.NetworkingNodeID
	Registry      *ocpp.Registry
	Customization *ocpp.Customization
	Enforcer      *signature.Enforcer

	// Forwarding enables relaying of requests addressed to other nodes.
	Forwarding      bool
	DefaultDecision forwarding.Kind
	Routes          *forwarding.RoutingTable
	Breakers        *forwarding.Breakers
	MaxFilterFanout int

	RequestTimeout time.Duration

	// RateLimit caps inbound requests per second and peer; zero disables it.
	// Responses are never limited.
	RateLimit rate.Limit
	RateBurst int
}

type Node struct {
	id       proto.NetworkingNodeID
	cfg      Config
	reg      *ocpp.Registry
	custom   *ocpp.Customization
	enforcer *signature.Enforcer
	log      *util.Logger

	engine *correlation.Engine
	fabric *dispatch.Fabric
	layer  *forwarding.Layer
	peers  *peerTable

	inflight sync.WaitGroup
}

func New(cfg Config, log *util.Logger) *Node {
	if log == nil {
		log = util.NopLogger()
	}
	if cfg.Registry == nil {
		cfg.Registry = ocpp.DefaultRegistry()
	}
	if cfg.Enforcer == nil {
		cfg.Enforcer = signature.NewEnforcer(signature.Policy{})
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = correlation.DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Routes == nil {
		cfg.Routes = forwarding.NewRoutingTable(forwarding.NewMemoryStore(), log.With("part", "routes"))
	}
	if cfg.Breakers == nil {
		cfg.Breakers = forwarding.NewBreakers(forwarding.BreakerSettings{}, log)
	}
	return &Node{
		id:       cfg.ID,
		cfg:      cfg,
		reg:      cfg.Registry,
		custom:   cfg.Customization,
		enforcer: cfg.Enforcer,
		log:      log,
		engine:   correlation.New(log.With("part", "correlation")),
		fabric:   dispatch.New(cfg.Registry, log.With("part", "dispatch")),
		layer: forwarding.New(forwarding.Config{
			Default:         cfg.DefaultDecision,
			Registry:        cfg.Registry,
			Customization:   cfg.Customization,
			Routes:          cfg.Routes,
			Breakers:        cfg.Breakers,
			MaxFilterFanout: cfg.MaxFilterFanout,
		}, log.With("part", "forwarding")),
		peers: newPeerTable(),
	}
}

func (n *Node) ID() proto.NetworkingNodeID        { return n.id }
func (n *Node) Registry() *ocpp.Registry          { return n.reg }
func (n *Node) Fabric() *dispatch.Fabric          { return n.fabric }
func (n *Node) Forwarding() *forwarding.Layer     { return n.layer }
func (n *Node) Routes() *forwarding.RoutingTable  { return n.layer.Routes() }
func (n *Node) Enforcer() *signature.Enforcer     { return n.enforcer }
func (n *Node) Pending() []correlation.PendingInfo { return n.engine.Snapshot() }

// Attach makes conn reachable under its id. An older connection with the
// same id is detached and closed.
func (n *Node) Attach(conn Connection) {
	p := &peer{
		conn:    conn,
		limiter: rate.NewLimiter(n.cfg.RateLimit, n.cfg.RateBurst),
		since:   time.Now().UTC(),
	}
	if old := n.peers.add(p); old != nil && old.conn != conn {
		n.log.Warnf("peer %s reconnected, replacing previous connection", conn.ID())
		n.engine.FailConnection(conn.ID(), correlation.ErrConnectionClosed)
		_ = old.conn.Close()
	}
	metricPeers.Set(float64(n.peers.len()))
	n.log.Infof("peer %s attached", conn.ID())
}

// Detach fails every request still waiting on conn and drops the routes
// learned through it.
func (n *Node) Detach(conn Connection, cause error) {
	if !n.peers.remove(conn) {
		return
	}
	metricPeers.Set(float64(n.peers.len()))
	failed := n.engine.FailConnection(conn.ID(), cause)
	if err := n.layer.Routes().Forget(context.Background(), conn.ID()); err != nil {
		n.log.Warnf("forget routes via %s: %v", conn.ID(), err)
	}
	if cause != nil {
		n.log.Infof("peer %s detached, %d pending failed: %v", conn.ID(), failed, cause)
		return
	}
	n.log.Infof("peer %s detached, %d pending failed", conn.ID(), failed)
}

func (n *Node) Peers() []PeerInfo { return n.peers.list() }

// Shutdown detaches and closes every peer, then waits for in-flight
// inbound requests or ctx.
func (n *Node) Shutdown(ctx context.Context) error {
	for _, c := range n.peers.all() {
		n.Detach(c, correlation.ErrConnectionClosed)
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) timeoutFor(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return n.cfg.RequestTimeout
}

// nextHop returns the connection leading to dest: a directly attached
// peer, a routing table entry or the default route.
func (n *Node) nextHop(ctx context.Context, dest proto.NetworkingNodeID) (Connection, error) {
	if dest != "" {
		if p, err := n.peers.get(string(dest)); err == nil {
			return p.conn, nil
		}
	}
	hop, err := n.layer.Routes().Resolve(ctx, dest)
	if err != nil {
		return nil, err
	}
	p, err := n.peers.get(hop)
	if err != nil {
		return nil, err
	}
	return p.conn, nil
}

func remoteAddr(c Connection) string {
	if ra, ok := c.(interface{ RemoteAddr() string }); ok {
		return ra.RemoteAddr()
	}
	return ""
}

func connInfo(c Connection) dispatch.ConnectionInfo {
	return dispatch.ConnectionInfo{ID: c.ID(), RemoteAddr: remoteAddr(c)}
}

// send encodes f and writes it to conn.
func (n *Node) send(ctx context.Context, conn Connection, f proto.Frame) error {
	kind, b, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return conn.Send(ctx, kind, b)
}
