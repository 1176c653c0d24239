// Package v1 holds the on-disk configuration of an ocppnet node.
package v1

import "time"

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	JSON  bool   `mapstructure:"json"`
}

type ACMEConfig struct {
	// Mode is "" (off), "http-01" or "dns-01".
	Mode            string   `mapstructure:"mode" validate:"omitempty,oneof=http-01 dns-01"`
	Email           string   `mapstructure:"email" validate:"omitempty,email"`
	CacheDir        string   `mapstructure:"cache_dir"`
	CA              string   `mapstructure:"ca"`
	Domains         []string `mapstructure:"domains" validate:"dive,hostname"`
	DNSProvider     string   `mapstructure:"dns_provider" validate:"omitempty,oneof=cloudflare route53"`
	CloudflareToken string   `mapstructure:"cloudflare_token"`
}

type TLSConfig struct {
	Enable   bool   `mapstructure:"enable"`
	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`
	CAFile   string `mapstructure:"ca_file"`
}

type AuthConfig struct {
	Enable     bool   `mapstructure:"enable"`
	PeersFile  string `mapstructure:"peers_file" validate:"required_if=Enable true"`
	AdminToken string `mapstructure:"admin_token"`
}

type ListenConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Host         string        `mapstructure:"host"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	ACME         ACMEConfig    `mapstructure:"acme"`
	TLS          TLSConfig     `mapstructure:"tls"`
	Auth         AuthConfig    `mapstructure:"auth"`
}

type UplinkConfig struct {
	URL        string        `mapstructure:"url" validate:"omitempty,url"`
	PeerID     string        `mapstructure:"peer_id" validate:"required_with=URL"`
	Password   string        `mapstructure:"password"`
	Insecure   bool          `mapstructure:"insecure"`
	MinBackoff time.Duration `mapstructure:"min_backoff" validate:"gte=0"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	// DefaultRoute sends unknown destinations over the uplink.
	DefaultRoute bool      `mapstructure:"default_route"`
	TLS          TLSConfig `mapstructure:"tls"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RouteConfig struct {
	Dest     string `mapstructure:"dest" validate:"required"`
	NextHop  string `mapstructure:"next_hop" validate:"required"`
	Priority int    `mapstructure:"priority"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type ForwardingConfig struct {
	Enable          bool          `mapstructure:"enable"`
	DefaultDecision string        `mapstructure:"default_decision" validate:"omitempty,oneof=forward reject FORWARD REJECT"`
	MaxFilterFanout int           `mapstructure:"max_filter_fanout" validate:"gte=0"`
	Routes          []RouteConfig `mapstructure:"routes" validate:"dive"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

type SigningKeyConfig struct {
	Action  string `mapstructure:"action" validate:"required"`
	Kind    string `mapstructure:"kind" validate:"required,oneof=request response"`
	KeyFile string `mapstructure:"key_file" validate:"required"`
}

type VerifyRuleConfig struct {
	Action string `mapstructure:"action" validate:"required"`
	Kind   string `mapstructure:"kind" validate:"required,oneof=request response"`
	Mode   string `mapstructure:"mode" validate:"omitempty,oneof=verify ignore require"`
}

type SignatureConfig struct {
	Sign                 []SigningKeyConfig `mapstructure:"sign" validate:"dive"`
	Verify               []VerifyRuleConfig `mapstructure:"verify" validate:"dive"`
	TrustedKeysFile      string             `mapstructure:"trusted_keys_file"`
	RejectInvalidInbound bool               `mapstructure:"reject_invalid_inbound"`
}

// NodeConfig is everything `ocppnet node` reads from flags, environment
// and the config file.
type NodeConfig struct {
	ID             string        `mapstructure:"id" validate:"required,max=48"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	// RateLimit is the number of inbound requests per second allowed per
	// connection; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`

	Log        LogConfig        `mapstructure:"log"`
	Listen     ListenConfig     `mapstructure:"listen"`
	Uplink     UplinkConfig     `mapstructure:"uplink"`
	Forwarding ForwardingConfig `mapstructure:"forwarding"`
	Signature  SignatureConfig  `mapstructure:"signature"`
}

func (c *NodeConfig) Complete() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Listen.Addr == "" {
		c.Listen.Addr = ":8080"
	}
	if c.Listen.ACME.CacheDir == "" {
		c.Listen.ACME.CacheDir = "cert-cache"
	}
	if c.Forwarding.DefaultDecision == "" {
		c.Forwarding.DefaultDecision = "forward"
	}
	if c.Uplink.URL != "" && c.Uplink.PeerID == "" {
		c.Uplink.PeerID = "CSMS"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
