// Package server is the WebSocket listener of a node: stations and
// downstream nodes connect to /ocpp/{id}, operators read /routes,
// /healthz and /metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DragonSecurity/ocppnet/internal/forwarding"
	"github.com/DragonSecurity/ocppnet/internal/node"
	"github.com/DragonSecurity/ocppnet/internal/server/peers"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/transport"
	"github.com/DragonSecurity/ocppnet/pkg/util"
	"github.com/DragonSecurity/ocppnet/pkg/util/xlog"
)

type ACMEConfig struct {
	// Mode is "" (off), "http-01" (autocert) or "dns-01" (certmagic).
	Mode            string
	Email           string
	CacheDir        string
	CA              string
	Domains         []string
	DNSProvider     string
	CloudflareToken string
}

type AuthConfig struct {
	Enable     bool
	PeersFile  string
	AdminToken string // bearer token for the /routes API
}

type TLSConfig struct {
	Enable bool
	transport.TLSFiles
}

type Config struct {
	Listen       string
	Host         string
	ACME         ACMEConfig
	Auth         AuthConfig
	TLS          TLSConfig
	PingInterval time.Duration
}

var (
	metricConnections = prom.NewCounterVec(prom.CounterOpts{
		Name: "ocppnet_ws_connections_total",
		Help: "WebSocket connection attempts by result.",
	}, []string{"result"})
	metricActive = prom.NewGauge(prom.GaugeOpts{
		Name: "ocppnet_ws_active_connections",
		Help: "Number of open WebSocket connections on the listener.",
	})
)

func init() {
	prom.MustRegister(metricConnections, metricActive)
}

type server struct {
	ctx   context.Context
	cfg   Config
	node  *node.Node
	peers *peers.Store
	log   *util.Logger
	ws    websocket.Upgrader
}

// Run serves until ctx ends. store may be nil when authentication is off.
func Run(ctx context.Context, cfg Config, n *node.Node, store *peers.Store, log *util.Logger) error {
	h := Handler(ctx, cfg, n, store, log)

	switch cfg.ACME.Mode {
	case "http-01":
		return runWithAutocert(ctx, cfg, h, log)
	case "dns-01":
		tlsConf, err := makeCertMagic(ctx, cfg, log)
		if err != nil {
			return err
		}
		return serveAndWait(ctx, newHTTPServer(cfg.Listen, h, tlsConf, log), log)
	}

	var tlsConf *tls.Config
	if cfg.TLS.Enable {
		var err error
		if tlsConf, err = transport.NewServerTLSConfig(cfg.TLS.TLSFiles, cfg.Host); err != nil {
			return err
		}
	}
	return serveAndWait(ctx, newHTTPServer(cfg.Listen, h, tlsConf, log), log)
}

func newHTTPServer(addr string, h http.Handler, tlsConf *tls.Config, lg *util.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          xlog.NewStdLogger(lg),
	}
}

// Handler builds the HTTP routes. Connections accepted through it live
// until ctx ends or the peer goes away.
func Handler(ctx context.Context, cfg Config, n *node.Node, store *peers.Store, log *util.Logger) http.Handler {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = transport.DefaultPingInterval
	}
	s := &server{
		ctx:   ctx,
		cfg:   cfg,
		node:  n,
		peers: store,
		log:   log,
		ws: websocket.Upgrader{
			ReadBufferSize:  1 << 14,
			WriteBufferSize: 1 << 14,
			Subprotocols:    transport.Subprotocols,
			CheckOrigin:     func(r *http.Request) bool { return true },
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				http.Error(w, reason.Error(), status)
			},
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ocpp/{id}", s.handleConnect)

	r.Route("/routes", func(rr chi.Router) {
		rr.Use(s.requireAdmin)
		rr.Get("/", s.handleListRoutes)
		rr.Put("/{dest}", s.handlePutRoute)
		rr.Delete("/{dest}", s.handleDeleteRoute)
	})
	return r
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !peers.ValidID(id) {
		metricConnections.WithLabelValues("bad_id").Inc()
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return
	}
	if s.cfg.Auth.Enable && s.peers != nil {
		user, pass, ok := r.BasicAuth()
		if !ok || user != id || !s.peers.Validate(id, pass) {
			metricConnections.WithLabelValues("unauthorized").Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if offered := websocket.Subprotocols(r); len(offered) > 0 && !slices.ContainsFunc(offered, func(p string) bool {
		return slices.Contains(transport.Subprotocols, p)
	}) {
		metricConnections.WithLabelValues("bad_subprotocol").Inc()
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	c, err := s.ws.Upgrade(w, r, nil)
	if err != nil {
		metricConnections.WithLabelValues("upgrade_failed").Inc()
		s.log.Warnf("ws upgrade for %s: %v", id, err)
		return
	}
	metricConnections.WithLabelValues("accepted").Inc()
	metricActive.Inc()
	defer metricActive.Dec()

	conn := transport.NewWSConn(id, c)
	s.log.Infof("peer %s connected from %s (%s)", id, conn.RemoteAddr(), conn.Subprotocol())
	_ = s.node.Serve(s.ctx, conn, s.cfg.PingInterval)
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := s.cfg.Auth.AdminToken; tok != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != tok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type routesView struct {
	Node         proto.NetworkingNodeID `json:"node"`
	DefaultRoute string                 `json:"defaultRoute,omitempty"`
	Routes       []forwarding.Route     `json:"routes"`
	Peers        []node.PeerInfo        `json:"peers"`
	Pending      int                    `json:"pending"`
	// Breakers maps next hops to their circuit breaker state.
	Breakers map[string]string `json:"breakers"`
}

func (s *server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.node.Routes().List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, routesView{
		Node:         s.node.ID(),
		DefaultRoute: s.node.Routes().Default(),
		Routes:       routes,
		Peers:        s.node.Peers(),
		Pending:      len(s.node.Pending()),
		Breakers:     s.node.Forwarding().Breakers().States(),
	})
}

type routeBody struct {
	NextHop  string `json:"nextHop"`
	Priority int    `json:"priority"`
}

func (s *server) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "dest")
	var body routeBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil || body.NextHop == "" {
		http.Error(w, "body must be {\"nextHop\": ..., \"priority\": ...}", http.StatusBadRequest)
		return
	}
	if err := s.node.Routes().Add(r.Context(), proto.NetworkingNodeID(dest), body.NextHop, body.Priority); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Infof("static route %s via %s (priority %d)", dest, body.NextHop, body.Priority)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Routes().Remove(r.Context(), proto.NetworkingNodeID(chi.URLParam(r, "dest"))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runWithAutocert(ctx context.Context, cfg Config, h http.Handler, lg *util.Logger) error {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
		Email:      cfg.ACME.Email,
		Cache:      autocert.DirCache(cfg.ACME.CacheDir),
	}

	httpSrv := &http.Server{
		Addr: ":80",
		Handler: mgr.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+hostOnly(r.Host)+r.URL.RequestURI(), http.StatusMovedPermanently)
		})),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          xlog.NewStdLogger(lg),
	}

	fallback, err := transport.SelfSignedCert(cfg.Host, 24*time.Hour)
	if err != nil {
		lg.Errorf("self-signed fallback certificate: %v", err)
	}
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" && fallback != nil {
				return fallback, nil
			}
			return mgr.GetCertificate(hello)
		},
	}
	httpsSrv := newHTTPServer(cfg.Listen, h, tlsConf, lg)

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- httpsSrv.ListenAndServeTLS("", "") }()
	lg.Infof("ACME http-01: challenges on :80, OCPP over TLS on %s for %v", cfg.Listen, cfg.ACME.Domains)

	select {
	case <-ctx.Done():
		shutdown(httpSrv, httpsSrv)
		return nil
	case err := <-errCh:
		shutdown(httpSrv, httpsSrv)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveAndWait(ctx context.Context, srv *http.Server, log *util.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			log.Infof("listening on %s (tls)", srv.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down...")
		shutdown(srv)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func shutdown(srvs ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range srvs {
		_ = s.Shutdown(ctx)
	}
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.HasSuffix(hostport, "]") {
		return hostport[:i]
	}
	return hostport
}
