package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DragonSecurity/ocppnet/internal/dispatch"
	"github.com/DragonSecurity/ocppnet/internal/forwarding"
	"github.com/DragonSecurity/ocppnet/internal/node"
	"github.com/DragonSecurity/ocppnet/internal/server"
	"github.com/DragonSecurity/ocppnet/internal/server/peers"
	"github.com/DragonSecurity/ocppnet/internal/uplink"
	v1 "github.com/DragonSecurity/ocppnet/pkg/config/v1"
	"github.com/DragonSecurity/ocppnet/pkg/config/v1/validation"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/signature"
	"github.com/DragonSecurity/ocppnet/pkg/transport"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

func init() {
	f := nodeCmd.Flags()
	f.String("id", "", "networking node id")
	f.String("listen", ":8080", "listen address for downstream peers")
	f.String("host", "", "public host name (self-signed TLS, autocert whitelist)")
	f.String("uplink", "", "upstream url, e.g. wss://csms.example.com")
	f.String("uplink-peer", "", "id of the upstream node (default CSMS)")
	f.String("uplink-password", "", "basic auth password towards the upstream")
	f.Bool("uplink-default-route", true, "route unknown destinations over the uplink")
	f.Bool("forwarding", true, "relay requests addressed to other nodes")
	f.String("default-decision", "forward", "decision when no filter votes (forward, reject)")
	f.String("redis", "", "redis address for a shared routing table")
	f.Duration("request-timeout", 30*time.Second, "default request timeout")
	f.Float64("rate-limit", 0, "inbound requests per second and peer (0 = unlimited)")
	f.Int("rate-burst", 10, "burst for --rate-limit")
	f.Bool("auth", false, "require basic auth from connecting peers")
	f.String("peers-file", "peers.json", "peer credentials JSON path")
	f.String("admin-token", "", "bearer token for the /routes API")
	f.Bool("tls", false, "serve TLS")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.String("tls-ca", "", "CA file for client certificates")
	f.String("acme", "", "ACME mode (http-01, dns-01)")
	f.String("acme-email", "", "ACME email")

	for key, name := range map[string]string{
		"id":                          "id",
		"listen.addr":                 "listen",
		"listen.host":                 "host",
		"uplink.url":                  "uplink",
		"uplink.peer_id":              "uplink-peer",
		"uplink.password":             "uplink-password",
		"uplink.default_route":        "uplink-default-route",
		"forwarding.enable":           "forwarding",
		"forwarding.default_decision": "default-decision",
		"forwarding.redis.addr":       "redis",
		"request_timeout":             "request-timeout",
		"rate_limit":                  "rate-limit",
		"rate_burst":                  "rate-burst",
		"listen.auth.enable":          "auth",
		"listen.auth.peers_file":      "peers-file",
		"listen.auth.admin_token":     "admin-token",
		"listen.tls.enable":           "tls",
		"listen.tls.cert_file":        "tls-cert",
		"listen.tls.key_file":         "tls-key",
		"listen.tls.ca_file":          "tls-ca",
		"listen.acme.mode":            "acme",
		"listen.acme.email":           "acme-email",
	} {
		_ = viper.BindPFlag(key, f.Lookup(name))
	}

	rootCmd.AddCommand(nodeCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "run a networking node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig()
		if err != nil {
			return err
		}
		if err := util.SetLevel(cfg.Log.Level); err != nil {
			return err
		}
		if cfg.Log.JSON {
			util.SetJSON()
		}
		log := util.NewLogger("node").With("node", cfg.ID)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runNode(ctx, cfg, log)
	},
}

func loadNodeConfig() (*v1.NodeConfig, error) {
	var cfg v1.NodeConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Complete()
	warning, err := validation.ValidateNodeConfig(&cfg)
	if warning != nil {
		fmt.Printf("WARNING: %v\n", warning)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runNode(ctx context.Context, cfg *v1.NodeConfig, log *util.Logger) error {
	enforcer, err := buildEnforcer(cfg.Signature)
	if err != nil {
		return err
	}
	routes, closeStore, err := buildRoutes(ctx, cfg.Forwarding, log)
	if err != nil {
		return err
	}
	defer closeStore()

	decision, _ := forwarding.ParseKind(cfg.Forwarding.DefaultDecision)
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	n := node.New(node.Config{
		ID:              proto.NetworkingNodeID(cfg.ID),
		Enforcer:        enforcer,
		Forwarding:      cfg.Forwarding.Enable,
		DefaultDecision: decision,
		Routes:          routes,
		Breakers: forwarding.NewBreakers(forwarding.BreakerSettings{
			ConsecutiveFailures: cfg.Forwarding.Breaker.ConsecutiveFailures,
			Timeout:             cfg.Forwarding.Breaker.Timeout,
		}, log.With("part", "breakers")),
		MaxFilterFanout: cfg.Forwarding.MaxFilterFanout,
		RequestTimeout:  cfg.RequestTimeout,
		RateLimit:       limit,
		RateBurst:       cfg.RateBurst,
	}, log)
	n.Fabric().Subscribe(ocpp.ActionHeartbeat, func(context.Context, dispatch.ConnectionInfo, ocpp.Request) (ocpp.Response, error) {
		return &ocpp.HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
	})

	var store *peers.Store
	if cfg.Listen.Auth.Enable {
		store = peers.NewStore(cfg.Listen.Auth.PeersFile)
		if err := store.Load(); err != nil {
			return fmt.Errorf("load peers: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, serverConfig(cfg.Listen), n, store, log.With("part", "server"))
	})
	if cfg.Uplink.URL != "" {
		g.Go(func() error {
			return uplink.Run(gctx, uplink.Config{
				URL:      cfg.Uplink.URL,
				PeerID:   cfg.Uplink.PeerID,
				Password: cfg.Uplink.Password,
				TLS: transport.TLSFiles{
					CertFile: cfg.Uplink.TLS.CertFile,
					KeyFile:  cfg.Uplink.TLS.KeyFile,
					CAFile:   cfg.Uplink.TLS.CAFile,
				},
				Insecure:        cfg.Uplink.Insecure,
				MinBackoff:      cfg.Uplink.MinBackoff,
				MaxBackoff:      cfg.Uplink.MaxBackoff,
				PingInterval:    cfg.Listen.PingInterval,
				SetDefaultRoute: cfg.Uplink.DefaultRoute,
			}, n, log.With("part", "uplink"))
		})
	}
	err = g.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if serr := n.Shutdown(sctx); serr != nil {
		log.Warnf("shutdown: %v", serr)
	}
	return err
}

func serverConfig(l v1.ListenConfig) server.Config {
	return server.Config{
		Listen: l.Addr,
		Host:   l.Host,
		ACME: server.ACMEConfig{
			Mode:            l.ACME.Mode,
			Email:           l.ACME.Email,
			CacheDir:        l.ACME.CacheDir,
			CA:              l.ACME.CA,
			Domains:         l.ACME.Domains,
			DNSProvider:     l.ACME.DNSProvider,
			CloudflareToken: l.ACME.CloudflareToken,
		},
		Auth: server.AuthConfig{
			Enable:     l.Auth.Enable,
			PeersFile:  l.Auth.PeersFile,
			AdminToken: l.Auth.AdminToken,
		},
		TLS: server.TLSConfig{
			Enable: l.TLS.Enable,
			TLSFiles: transport.TLSFiles{
				CertFile: l.TLS.CertFile,
				KeyFile:  l.TLS.KeyFile,
				CAFile:   l.TLS.CAFile,
			},
		},
		PingInterval: l.PingInterval,
	}
}

func buildRoutes(ctx context.Context, f v1.ForwardingConfig, log *util.Logger) (*forwarding.RoutingTable, func(), error) {
	var (
		store     forwarding.RouteStore = forwarding.NewMemoryStore()
		closeFunc                       = func() {}
	)
	if f.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: f.Redis.Addr, Password: f.Redis.Password, DB: f.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", f.Redis.Addr, err)
		}
		store = forwarding.NewRedisStore(client, f.Redis.KeyPrefix)
		closeFunc = func() { _ = client.Close() }
		log.Infof("routing table shared via redis %s", f.Redis.Addr)
	}
	table := forwarding.NewRoutingTable(store, log.With("part", "routes"))
	for _, r := range f.Routes {
		if err := table.Add(ctx, proto.NetworkingNodeID(r.Dest), r.NextHop, r.Priority); err != nil {
			closeFunc()
			return nil, nil, fmt.Errorf("route %s: %w", r.Dest, err)
		}
	}
	return table, closeFunc, nil
}

func buildEnforcer(c v1.SignatureConfig) (*signature.Enforcer, error) {
	e := signature.NewEnforcer(signature.Policy{RejectInvalidInbound: c.RejectInvalidInbound})
	for _, s := range c.Sign {
		b, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return nil, err
		}
		kp, err := signature.ParseKeyPairPEM(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.KeyFile, err)
		}
		e.AddSigningKey(s.Action, signature.Kind(s.Kind), kp)
	}
	for _, v := range c.Verify {
		mode, err := signature.ParseMode(v.Mode)
		if err != nil {
			return nil, err
		}
		e.AddVerifyRule(signature.VerifyRule{Action: v.Action, Kind: signature.Kind(v.Kind), Mode: mode})
	}
	// Only configured keys narrow the trust set; our own signing keys must
	// not, or every peer signature would be refused.
	if c.TrustedKeysFile != "" {
		b, err := os.ReadFile(c.TrustedKeysFile)
		if err != nil {
			return nil, err
		}
		keys, err := signature.ParsePublicKeysPEM(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.TrustedKeysFile, err)
		}
		if len(keys) == 0 {
			return nil, errors.New("trusted keys file holds no public keys")
		}
		for _, k := range keys {
			e.TrustKey(k)
		}
	}
	return e, nil
}
