// Package uplink keeps a node connected to its upstream node or CSMS.
package uplink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/ocppnet/internal/node"
	"github.com/DragonSecurity/ocppnet/pkg/transport"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

type Config struct {
	URL      string // e.g. wss://csms.example.com or http://127.0.0.1:8080
	PeerID   string // identity of the upstream side, e.g. "CSMS"
	Password string
	TLS      transport.TLSFiles
	Insecure bool

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration

	// SetDefaultRoute makes PeerID the next hop for unknown destinations.
	SetDefaultRoute bool
}

// Endpoint returns the WebSocket URL a node with the given id dials.
func Endpoint(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid uplink url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported uplink scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "ocpp", url.PathEscape(id))
	return u.String(), nil
}

// Run dials the upstream until ctx ends, reconnecting with exponential
// backoff whenever the link drops.
func Run(ctx context.Context, cfg Config, n *node.Node, log *util.Logger) error {
	if cfg.URL == "" {
		return errors.New("missing uplink url")
	}
	if cfg.PeerID == "" {
		return errors.New("missing uplink peer id")
	}
	endpoint, err := Endpoint(cfg.URL, string(n.ID()))
	if err != nil {
		return err
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = transport.DefaultPingInterval
	}
	if cfg.SetDefaultRoute {
		n.Routes().SetDefault(cfg.PeerID)
	}

	tlsConf, err := transport.NewClientTLSConfig(cfg.TLS, "", cfg.Insecure)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConf,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     transport.Subprotocols,
	}
	header := http.Header{}
	if cfg.Password != "" {
		creds := string(n.ID()) + ":" + cfg.Password
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if cfg.MinBackoff > 0 {
		bo.InitialInterval = cfg.MinBackoff
	}
	if cfg.MaxBackoff > 0 {
		bo.MaxInterval = cfg.MaxBackoff
	}

	log = log.With("uplink", cfg.PeerID)
	for {
		c, resp, err := dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			bo.Reset()
			conn := transport.NewWSConn(cfg.PeerID, c)
			log.Infof("connected to %s (%s)", endpoint, conn.Subprotocol())
			err = n.Serve(ctx, conn, cfg.PingInterval)
			log.Warnf("link closed: %v", err)
		} else if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			log.Errorf("dial %s: unauthorized", endpoint)
		} else {
			log.Warnf("dial %s: %v", endpoint, err)
		}

		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
