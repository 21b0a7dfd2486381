package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"paracord-validate/internal/domain"
)

// wellKnown is the /.well-known/paracord/server response.
type wellKnown struct {
	ServerName         string `json:"server_name"`
	FederationEndpoint string `json:"federation_endpoint"`
}

// Discover resolves a node's identity before any scenario step touches it:
// the /health endpoint proves liveness, the well-known document yields the
// federation-visible server name and federation API root, and the gateway URL
// is derived from the base URL's scheme.
func Discover(ctx context.Context, c *Client, key, baseURL string) (*domain.Node, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	if _, _, err := c.RequestJSON(ctx, http.MethodGet, baseURL+"/health", nil, Options{Expected: []int{http.StatusOK}}); err != nil {
		if hint := schemeHint(ctx, c, baseURL); hint != "" {
			return nil, fmt.Errorf("node %s: %w: %s unreachable (%v); %s", key, domain.ErrNodeUnreachable, baseURL, err, hint)
		}
		return nil, fmt.Errorf("node %s: %w: %v", key, domain.ErrNodeUnreachable, err)
	}

	_, body, err := c.RequestJSON(ctx, http.MethodGet, baseURL+"/.well-known/paracord/server", nil, Options{Expected: []int{http.StatusOK}})
	if err != nil {
		return nil, fmt.Errorf("node %s: read well-known: %w", key, err)
	}
	var wk wellKnown
	if err := json.Unmarshal(body, &wk); err != nil {
		return nil, fmt.Errorf("node %s: parse well-known: %w", key, err)
	}
	if wk.ServerName == "" {
		return nil, fmt.Errorf("node %s: well-known document has no server_name", key)
	}
	if isLocalName(wk.ServerName) {
		return nil, fmt.Errorf("node %s: server_name %q is a loopback name; peers cannot federate with it", key, wk.ServerName)
	}

	fed := strings.TrimRight(wk.FederationEndpoint, "/")
	if fed == "" {
		fed = baseURL + "/_paracord/federation/v1"
	}

	gw, err := gatewayURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", key, err)
	}

	return &domain.Node{
		Key:                key,
		URL:                baseURL,
		ServerName:         wk.ServerName,
		Domain:             wk.ServerName,
		FederationEndpoint: fed,
		GatewayURL:         gw,
	}, nil
}

// schemeHint probes the plain-HTTP variant of a failing https base URL. Lab
// deployments frequently sit behind no TLS at all, and "connection refused"
// alone does not point at the fix.
func schemeHint(ctx context.Context, c *Client, baseURL string) string {
	if !strings.HasPrefix(baseURL, "https://") {
		return ""
	}
	alt := "http://" + strings.TrimPrefix(baseURL, "https://")
	if _, _, err := c.RequestJSON(ctx, http.MethodGet, alt+"/health", nil, Options{Expected: []int{http.StatusOK}}); err == nil {
		return fmt.Sprintf("the node answers on %s; check the url scheme in the config", alt)
	}
	return ""
}

func gatewayURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/gateway"
	return u.String(), nil
}

func isLocalName(name string) bool {
	candidates := []string{name}
	// Tolerate a host:port server name.
	if i := strings.LastIndex(name, ":"); i > 0 && !strings.Contains(name[i+1:], ":") {
		candidates = append(candidates, name[:i])
	}
	for _, c := range candidates {
		switch c {
		case "localhost", "127.0.0.1", "::1", "0.0.0.0":
			return true
		}
	}
	return false
}
