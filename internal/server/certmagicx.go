package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/caddyserver/certmagic"
	route53dns "github.com/fore-stun/libdns-route53"
	cloudflaredns "github.com/libdns/cloudflare"

	"github.com/DragonSecurity/ocppnet/pkg/util"
)

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	case "", "production":
		return certmagic.LetsEncryptProductionCA
	default:
		return which
	}
}

// makeCertMagic obtains certificates for the configured domains with the
// DNS-01 challenge, so nodes behind NAT without port 80 can still use TLS.
func makeCertMagic(ctx context.Context, cfg Config, log *util.Logger) (*tls.Config, error) {
	if cfg.ACME.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}
	if len(cfg.ACME.Domains) == 0 {
		return nil, errors.New("acme.domains is required for dns-01")
	}
	if cfg.ACME.CacheDir == "" {
		cfg.ACME.CacheDir = "cert-cache"
	}

	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return magic, nil
		},
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.ACME.CacheDir},
		OnDemand: &certmagic.OnDemandConfig{
			DecisionFunc: func(_ context.Context, name string) error {
				if !slices.Contains(cfg.ACME.Domains, strings.ToLower(hostOnly(name))) {
					return fmt.Errorf("host %s is not configured", name)
				}
				return nil
			},
		},
	})

	issuer := &certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.ACME.CA),
		Email:                   cfg.ACME.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
	}
	switch strings.ToLower(cfg.ACME.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.ACME.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflareToken or CLOUDFLARE_API_TOKEN)")
		}
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &cloudflaredns.Provider{APIToken: token},
			},
		}
	case "route53":
		// credentials come from the usual AWS environment and profile chain
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &route53dns.Provider{},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported acme.dnsProvider %q", cfg.ACME.DNSProvider)
	}
	magic.Issuers = []certmagic.Issuer{issuer}

	if err := magic.ManageAsync(ctx, cfg.ACME.Domains); err != nil {
		return nil, fmt.Errorf("manage certificates: %w", err)
	}
	log.Infof("ACME dns-01 via %s for %v", cfg.ACME.DNSProvider, cfg.ACME.Domains)

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = append([]string{"http/1.1"}, tlsConf.NextProtos...)
	return tlsConf, nil
}
