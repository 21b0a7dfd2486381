package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks a loaded Config for contradictions that would otherwise
// surface mid-run as confusing scenario failures.
func Validate(cfg *Config) error {
	for key, node := range map[string]NodeConfig{
		"a": cfg.Nodes.A, "b": cfg.Nodes.B, "c": cfg.Nodes.C,
	} {
		if node.URL == "" {
			return fmt.Errorf("nodes.%s.url is required", key)
		}
		u, err := url.Parse(node.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("nodes.%s.url must be an http(s) URL, got %q", key, node.URL)
		}
		if node.AdminToken == "" {
			return fmt.Errorf("nodes.%s.admin_token is required", key)
		}
	}

	fed := cfg.Federation
	hasToken := fed.ReadToken != ""
	hasSigner := fed.ReadOrigin != "" || fed.ReadKeyID != "" || fed.SigningKeyHex != ""
	if !hasToken && !hasSigner {
		return fmt.Errorf("federation: provide read_token or all of read_origin/read_key_id/signing_key_hex")
	}
	if hasSigner {
		var missing []string
		if fed.ReadOrigin == "" {
			missing = append(missing, "read_origin")
		}
		if fed.ReadKeyID == "" {
			missing = append(missing, "read_key_id")
		}
		if fed.SigningKeyHex == "" {
			missing = append(missing, "signing_key_hex")
		}
		if len(missing) > 0 {
			return fmt.Errorf("federation: incomplete signer config, missing %s", strings.Join(missing, ", "))
		}
	}
	if !hasSigner && !cfg.SkipSecurityNegatives {
		return fmt.Errorf("federation: security negatives require signing credentials (or set skip_security_negatives)")
	}

	if cfg.Federation.FreshnessWindow <= 0 {
		return fmt.Errorf("federation.freshness_window must be positive")
	}
	if cfg.Gateway.ConnectTimeout <= 0 || cfg.Gateway.ReadyTimeout <= 0 || cfg.Gateway.DispatchTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive")
	}
	if cfg.HTTP.Timeout <= 0 {
		cfg.HTTP.Timeout = 20 * time.Second
	}
	if cfg.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must not be negative")
	}

	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
	return nil
}
