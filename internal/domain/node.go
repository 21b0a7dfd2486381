package domain

import "strconv"

// Node describes one deployed Paracord server, resolved via its /health and
// /.well-known/paracord/server endpoints before any scenario step runs.
type Node struct {
	Key                string // short handle within the run ("a", "b", "c")
	URL                string // base URL, no trailing slash
	ServerName         string // federation-visible identity
	Domain             string // DNS-ish domain used in room IDs
	FederationEndpoint string // absolute URL of the federation API root
	GatewayURL         string // ws:// or wss:// URL of the realtime gateway
}

// RoomID builds the federation room identifier for a guild hosted on this node.
func (n Node) RoomID(guildID int64) string {
	return "!" + strconv.FormatInt(guildID, 10) + ":" + n.Domain
}
