package rpc

import "encoding/json"

// Jwt is a validated bearer token bound to a request: the issuer the
// signing key was registered under, plus the decoded header and payload.
type Jwt struct {
	KeyIssuer string
	Header    json.RawMessage
	Payload   json.RawMessage
}
