package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"paracord-validate/internal/adapter/rest"
	"paracord-validate/internal/adapter/transport"
	"paracord-validate/internal/domain"
)

// staleOffset ages the stale probe's timestamp far past any sane freshness
// window (15 minutes against a 5-minute default).
const staleOffset = 900000 * time.Millisecond

// NegativeProbes sends deliberately broken federation ingest requests and
// asserts each is rejected with the status its defect deserves. Everything
// here must fail; a 2xx anywhere is the finding.
type NegativeProbes struct {
	client *rest.Client
	signer *transport.Identity
	logger *slog.Logger
}

// NewNegativeProbes builds the probe set. The signer must be an identity the
// target deployment could resolve; the probes test the transport layer, not
// key distribution.
func NewNegativeProbes(client *rest.Client, signer *transport.Identity, logger *slog.Logger) *NegativeProbes {
	return &NegativeProbes{client: client, signer: signer, logger: logger}
}

// Run executes all four probes against a node's federation ingest endpoint.
func (p *NegativeProbes) Run(ctx context.Context, node *domain.Node) error {
	probes := []struct {
		name string
		fn   func(context.Context, *domain.Node) error
	}{
		{"security.unsigned", p.unsigned},
		{"security.tampered", p.tampered},
		{"security.stale", p.stale},
		{"security.replay", p.replay},
	}
	for _, probe := range probes {
		if err := probe.fn(ctx, node); err != nil {
			return err
		}
		p.logger.Info("negative probe rejected as expected", "probe", probe.name, "node", node.Key)
	}
	return nil
}

// unsigned: a bare POST with no transport headers at all.
func (p *NegativeProbes) unsigned(ctx context.Context, node *domain.Node) error {
	body := p.probeBody()
	status, _, err := p.client.RequestRaw(ctx, http.MethodPost, rest.IngestURL(node), body, http.Header{
		"Content-Type": {"application/json"},
	})
	if err != nil {
		return domain.NewValidationError("security.unsigned", node.Key, err, "probe delivery failed")
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return domain.NewValidationError("security.unsigned", node.Key, domain.ErrUnexpectedStatus,
			fmt.Sprintf("want 401 or 403, got %d", status))
	}
	return nil
}

// tampered: a fresh, otherwise valid signature with its last hex character
// flipped.
func (p *NegativeProbes) tampered(ctx context.Context, node *domain.Node) error {
	body := p.probeBody()
	path, err := ingestPath(node)
	if err != nil {
		return err
	}
	h := p.signer.Sign(http.MethodPost, path, body)
	h.Signature = flipLastHex(h.Signature)

	status, err := p.send(ctx, node, body, h)
	if err != nil {
		return domain.NewValidationError("security.tampered", node.Key, err, "probe delivery failed")
	}
	if status != http.StatusForbidden {
		return domain.NewValidationError("security.tampered", node.Key, domain.ErrUnexpectedStatus,
			fmt.Sprintf("want 403, got %d", status))
	}
	return nil
}

// stale: correctly signed, but timestamped 15 minutes in the past.
func (p *NegativeProbes) stale(ctx context.Context, node *domain.Node) error {
	body := p.probeBody()
	path, err := ingestPath(node)
	if err != nil {
		return err
	}
	ts := time.Now().Add(-staleOffset).UnixMilli()
	h := p.signer.SignAt(http.MethodPost, path, body, ts)

	status, err := p.send(ctx, node, body, h)
	if err != nil {
		return domain.NewValidationError("security.stale", node.Key, err, "probe delivery failed")
	}
	if status != http.StatusUnauthorized {
		return domain.NewValidationError("security.stale", node.Key, domain.ErrUnexpectedStatus,
			fmt.Sprintf("want 401, got %d", status))
	}
	return nil
}

// replay: the identical envelope presented twice. The first presentation is
// judged on its own merits (the probe event is unsigned at the event layer,
// so 401/403); the second must be recognized as already consumed.
func (p *NegativeProbes) replay(ctx context.Context, node *domain.Node) error {
	body := p.probeBody()
	path, err := ingestPath(node)
	if err != nil {
		return err
	}
	h := p.signer.Sign(http.MethodPost, path, body)

	first, err := p.send(ctx, node, body, h)
	if err != nil {
		return domain.NewValidationError("security.replay", node.Key, err, "probe delivery failed")
	}
	if first != http.StatusUnauthorized && first != http.StatusForbidden {
		return domain.NewValidationError("security.replay", node.Key, domain.ErrUnexpectedStatus,
			fmt.Sprintf("first presentation: want 401 or 403, got %d", first))
	}

	second, err := p.send(ctx, node, body, h)
	if err != nil {
		return domain.NewValidationError("security.replay", node.Key, err, "probe redelivery failed")
	}
	if second != http.StatusConflict {
		return domain.NewValidationError("security.replay", node.Key, domain.ErrUnexpectedStatus,
			fmt.Sprintf("second presentation: want 409, got %d", second))
	}
	return nil
}

func (p *NegativeProbes) send(ctx context.Context, node *domain.Node, body []byte, h transport.Headers) (int, error) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	h.Apply(hdr)
	status, _, err := p.client.RequestRaw(ctx, http.MethodPost, rest.IngestURL(node), body, hdr)
	return status, err
}

// probeBody builds a syntactically plausible federation event whose event id
// can never collide with real traffic. The same byte slice must be reused for
// a replay pair; this returns fresh bytes each call on purpose, one body per
// probe.
func (p *NegativeProbes) probeBody() []byte {
	now := time.Now().UnixMilli()
	origin := p.signer.Origin
	body, _ := json.Marshal(map[string]any{
		"event_id":      fmt.Sprintf("$neg-%s:%s", domain.Suffix(10), origin),
		"room_id":       "!1:" + origin,
		"event_type":    "m.message",
		"sender":        "@negative:" + origin,
		"origin_server": origin,
		"origin_ts":     now,
		"content": map[string]any{
			"guild_id":   "1",
			"channel_id": "1",
			"message_id": "1",
			"body":       "negative-probe",
		},
		"depth":      now,
		"signatures": map[string]any{},
	})
	return body
}

// ingestPath is the request path the ingest signature covers.
func ingestPath(node *domain.Node) (string, error) {
	u, err := url.Parse(rest.IngestURL(node))
	if err != nil {
		return "", fmt.Errorf("parse ingest url: %w", err)
	}
	return u.RequestURI(), nil
}

// flipLastHex corrupts the final character of a hex string while keeping it
// valid hex.
func flipLastHex(s string) string {
	if s == "" {
		return "0"
	}
	last := s[len(s)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return s[:len(s)-1] + string(repl)
}
