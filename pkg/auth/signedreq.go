package auth

import (
	"fmt"
	"strings"

	"arx/pkg/rpc"
)

// RequiredSignatureHeaders are the headers a signed request must cover,
// in signing-string order. Advertised verbatim in the Signature
// WWW-Authenticate challenge.
var RequiredSignatureHeaders = []string{
	"(request-target)",
	"digest",
	"content-length",
}

// ExtractSignedRequest parses an HTTP-signature Authorization header into
// a detached SignedRequest. Returns nil when the request is unsigned; an
// error only for a malformed signature envelope.
//
//	Authorization: Signature keyId="<hex digest>",algorithm="<scheme>",
//	  headers="(request-target) digest content-length",signature="<b64>"
func ExtractSignedRequest(ctx *rpc.Context) (*rpc.SignedRequest, error) {
	raw, ok := ctx.Header("authorization")
	if !ok {
		return nil, nil
	}
	scheme, params, found := strings.Cut(strings.TrimSpace(raw), " ")
	if !found || !strings.EqualFold(scheme, "Signature") {
		return nil, nil
	}
	fields := map[string]string{}
	for _, part := range splitParams(params) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed signature parameter %q", part)
		}
		fields[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	keyID := fields["keyid"]
	sigB64 := fields["signature"]
	if keyID == "" || sigB64 == "" {
		return nil, fmt.Errorf("signature header missing keyId or signature")
	}
	sig, err := B64(sigB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	covered := strings.Fields(fields["headers"])
	if len(covered) == 0 {
		covered = RequiredSignatureHeaders
	}
	signing, err := signingString(ctx, covered)
	if err != nil {
		return nil, err
	}
	md := fields["md"]
	if md == "" {
		// algorithm carries "<scheme>-<digest>", e.g. ed25519-sha256.
		if _, digest, ok := strings.Cut(fields["algorithm"], "-"); ok {
			md = digest
		}
	}
	return &rpc.SignedRequest{
		Req:   signing,
		Sig:   sig,
		MD:    md,
		KeyID: keyID,
	}, nil
}

// signingString reconstructs the exact byte string the client signed.
func signingString(ctx *rpc.Context, covered []string) ([]byte, error) {
	lines := make([]string, 0, len(covered))
	for _, name := range covered {
		name = strings.ToLower(name)
		if name == "(request-target)" {
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(ctx.RequestVerb()), ctx.GetMethod()))
			continue
		}
		value, ok := ctx.Header(name)
		if !ok {
			return nil, fmt.Errorf("signed request is missing covered header %q", name)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, value))
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// splitParams splits comma-separated auth params, honouring quotes.
func splitParams(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			if part := strings.TrimSpace(cur.String()); part != "" {
				out = append(out, part)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if part := strings.TrimSpace(cur.String()); part != "" {
		out = append(out, part)
	}
	return out
}
