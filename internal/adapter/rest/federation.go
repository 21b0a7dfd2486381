package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kaptinlin/jsonschema"

	"paracord-validate/internal/adapter/transport"
	"paracord-validate/internal/domain"
)

// eventsSchemaJSON constrains the federation /events response shape before any
// field of it is trusted by a convergence matcher.
const eventsSchemaJSON = `{
	"type": "object",
	"required": ["events"],
	"properties": {
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["event_id", "room_id", "event_type"],
				"properties": {
					"event_id":   {"type": "string"},
					"room_id":    {"type": "string"},
					"event_type": {"type": "string"},
					"sender":     {"type": "string"},
					"depth":      {"type": "integer"}
				}
			}
		}
	}
}`

// FederationReader reads a node's federation event log, authenticating either
// with a read token or by signing each request. Exactly one of token/signer is
// set; config validation enforces that upstream.
type FederationReader struct {
	client *Client
	token  string
	signer *transport.Identity
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewFederationReader builds a reader. token and signer are alternatives;
// token wins when both are present.
func NewFederationReader(client *Client, token string, signer *transport.Identity, logger *slog.Logger) (*FederationReader, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(eventsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile events schema: %w", err)
	}
	return &FederationReader{
		client: client,
		token:  token,
		signer: signer,
		schema: schema,
		logger: logger,
	}, nil
}

// eventsResponse is the federation read API envelope.
type eventsResponse struct {
	Events []domain.FederationEvent `json:"events"`
}

// ReadEvents fetches the event log for a room from the given node's
// federation endpoint, starting after sinceDepth. The response is validated
// against the events schema before decoding.
func (r *FederationReader) ReadEvents(ctx context.Context, node *domain.Node, roomID string, sinceDepth int64) ([]domain.FederationEvent, error) {
	query := "room_id=" + url.QueryEscape(roomID) + "&since_depth=" + strconv.FormatInt(sinceDepth, 10)
	full := node.FederationEndpoint + "/events?" + query

	hdr := http.Header{}
	switch {
	case r.token != "":
		hdr.Set(transport.HeaderFederationToken, r.token)
	case r.signer != nil:
		// The signature covers the request path including the query string.
		u, err := url.Parse(full)
		if err != nil {
			return nil, fmt.Errorf("parse events url: %w", err)
		}
		r.signer.Sign(http.MethodGet, u.RequestURI(), nil).Apply(hdr)
	default:
		return nil, fmt.Errorf("federation read: %w: no read token and no signing identity", domain.ErrKeyUnavailable)
	}

	status, body, err := r.client.RequestRaw(ctx, http.MethodGet, full, nil, hdr)
	if err != nil {
		return nil, fmt.Errorf("federation read from %s: %w", node.Key, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("federation read from %s: %w: %d: %s",
			node.Key, domain.ErrUnexpectedStatus, status, snippet(body))
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("federation read from %s: decode: %w", node.Key, err)
	}
	if result := r.schema.Validate(raw); !result.IsValid() {
		return nil, fmt.Errorf("federation read from %s: response shape: %s", node.Key, result.Error())
	}

	var resp eventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("federation read from %s: decode events: %w", node.Key, err)
	}
	r.logger.Debug("federation events read", "node", node.Key, "room", roomID, "count", len(resp.Events))
	return resp.Events, nil
}

// IngestURL is the federation event ingest endpoint for a node. The security
// negative probes POST to it directly.
func IngestURL(node *domain.Node) string {
	return node.FederationEndpoint + "/event"
}
