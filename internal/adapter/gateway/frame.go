package gateway

import "encoding/json"

// Gateway opcodes. The first server frame must be HELLO; the client must
// IDENTIFY before any other traffic; DISPATCH frames carry the named events
// the validation scenarios assert on.
const (
	OpDispatch     = 0  // server→client, named event
	OpHeartbeat    = 1  // either direction, client-initiated keepalive
	OpIdentify     = 2  // client→server, carries the session token
	OpHello        = 10 // server→client, carries heartbeat_interval
	OpHeartbeatACK = 11 // server→client
)

// Frame is the JSON envelope exchanged over the gateway websocket.
// T is present only on dispatch frames. D stays raw: dispatch payloads are
// free-form and a nil D marshals as null, which the keepalive frames require.
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d"`
}

// Payload decodes the frame's data as an object. Non-object payloads yield
// an empty map so predicates never have to nil-check.
func (f Frame) Payload() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(f.D, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// helloData is the HELLO frame payload.
type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // milliseconds
}

// identifyData is the IDENTIFY frame payload.
type identifyData struct {
	Token string `json:"token"`
}
