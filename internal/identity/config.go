// Package identity implements the source-identifier resolver (§4.8): for
// each request header observed, decide whether it becomes the session's
// best-known client identity, and feed the result into the session
// opaque. It is a direct rewrite of user_identifiers_config.cc, kept
// free of any opaque/buffer plumbing beyond session.Opaque and plain
// strings so it can be unit tested without the codec or ring layers.
package identity

// Config is the "sourceIdentifiers" policy block (§4.8, §6). Each entry
// either names a built-in kind (cookie, authorization, x-forwarded-for)
// with its own configuration values, or uses the literal kind
// "headerkey" to declare one or more custom header names that should be
// treated as source identifiers in their own right, at the priority
// position this entry occupies in the list.
type Config struct {
	SourceIdentifiers []Entry `json:"sourceIdentifiers" yaml:"sourceIdentifiers"`
}

// Entry is one configured priority-list element.
type Entry struct {
	SourceIdentifier string   `json:"sourceIdentifier" yaml:"sourceIdentifier"`
	IdentifierValues []string `json:"identifierValues" yaml:"identifierValues"`
}

// Built-in kinds and markers used by the resolver (§4.8).
const (
	KindSourceIP      = "sourceip"
	KindAuthorization = "authorization"
	KindXFF           = "x-forwarded-for"
	KindCookie        = "cookie"

	headerKeyMarker = "headerkey"
	oauthCookieKey  = "_oauth2_proxy"
	jsessionIDKey   = "jsessionid"
	jwtPrefix       = "Bearer "
)
