package validation

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	v1 "github.com/DragonSecurity/ocppnet/pkg/config/v1"
)

// ValidateNodeConfig checks c after defaults have been applied.
func ValidateNodeConfig(c *v1.NodeConfig) (Warning, error) {
	var (
		warnings Warning
		errs     error
	)
	errs = AppendError(errs, validateStruct(c))

	if c.Uplink.URL != "" && c.Uplink.PeerID == c.ID {
		errs = AppendError(errs, fmt.Errorf("uplink.peer_id must differ from id %q", c.ID))
	}
	if c.Uplink.MaxBackoff > 0 && c.Uplink.MaxBackoff < c.Uplink.MinBackoff {
		errs = AppendError(errs, fmt.Errorf("uplink.max_backoff must not be below uplink.min_backoff"))
	}

	if c.Listen.ACME.Mode == "dns-01" {
		if c.Listen.ACME.Email == "" {
			errs = AppendError(errs, fmt.Errorf("listen.acme.email is required for dns-01"))
		}
		if len(c.Listen.ACME.Domains) == 0 {
			errs = AppendError(errs, fmt.Errorf("listen.acme.domains is required for dns-01"))
		}
		if c.Listen.ACME.DNSProvider == "" {
			errs = AppendError(errs, fmt.Errorf("listen.acme.dns_provider is required for dns-01"))
		}
	}
	if c.Listen.ACME.Mode != "" && c.Listen.TLS.Enable {
		warnings = AppendError(warnings, fmt.Errorf("listen.tls is ignored while listen.acme.mode is %q", c.Listen.ACME.Mode))
	}
	if c.Listen.Auth.Enable && c.Listen.Auth.AdminToken == "" {
		warnings = AppendError(warnings, fmt.Errorf("listen.auth is enabled but /routes has no admin_token"))
	}

	dests := lo.Map(c.Forwarding.Routes, func(r v1.RouteConfig, _ int) string { return r.Dest })
	if dup := lo.FindDuplicates(dests); len(dup) > 0 {
		errs = AppendError(errs, fmt.Errorf("forwarding.routes has duplicate destinations %v", dup))
	}
	if self, ok := lo.Find(c.Forwarding.Routes, func(r v1.RouteConfig) bool { return r.NextHop == c.ID }); ok {
		errs = AppendError(errs, fmt.Errorf("forwarding.routes: route to %s points at this node", self.Dest))
	}
	if !c.Forwarding.Enable && len(c.Forwarding.Routes) > 0 {
		warnings = AppendError(warnings, fmt.Errorf("forwarding.routes are set but forwarding is disabled"))
	}

	if c.Signature.RejectInvalidInbound && lo.EveryBy(c.Signature.Verify, func(r v1.VerifyRuleConfig) bool {
		return strings.EqualFold(r.Mode, "ignore")
	}) {
		warnings = AppendError(warnings, fmt.Errorf("signature.reject_invalid_inbound has no effect without verify rules"))
	}
	return warnings, errs
}
