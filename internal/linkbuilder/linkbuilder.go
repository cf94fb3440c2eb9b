// Package linkbuilder assembles the external vless:// link string handed
// back to a caller after a successful issue. It is a pure function over
// configuration and the issued uuid/email — no I/O, no state.
package linkbuilder

import (
	"fmt"
	"net/url"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/config"
)

// Build constructs the link, returning apierr.InvalidInput if the
// configuration lacks the REALITY parameters required to produce a valid
// link (mirrors the prior implementation's "Missing link params" guard).
func Build(cfg config.LinkConfig, userUUID, email, flow string) (string, error) {
	if cfg.PublicHost == "" || cfg.RealitySNI == "" || cfg.RealityPBK == "" || cfg.RealitySID == "" {
		return "", apierr.InvalidInput("link_config", "missing PUBLIC_HOST/REALITY_* parameters")
	}
	if flow == "" {
		flow = cfg.DefaultFlow
	}

	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("flow", flow)
	q.Set("security", "reality")
	q.Set("sni", cfg.RealitySNI)
	q.Set("fp", cfg.RealityFP)
	q.Set("pbk", cfg.RealityPBK)
	q.Set("sid", cfg.RealitySID)
	q.Set("type", "tcp")

	return fmt.Sprintf("vless://%s@%s:%s?%s#VPN-%s",
		userUUID, cfg.PublicHost, cfg.PublicPort, q.Encode(), email), nil
}
