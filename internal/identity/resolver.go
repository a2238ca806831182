package identity

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"strings"

	"github.com/openappsec/openappsec-sub007/internal/session"
)

// entry is one resolved priority-list slot after the load/splice step.
type entry struct {
	kind   string
	values []string
}

// Resolver holds the spliced priority order built from Config (§4.8).
type Resolver struct {
	order []entry
}

// NewResolver builds a Resolver from cfg, applying the load/splice
// algorithm: "headerkey" entries explode into one priority slot per
// named header; any built-in kind (cookie/authorization/x-forwarded-for)
// the caller did not mention keeps its canonical relative order and is
// appended to the end of the list, after every entry the caller positioned.
func NewResolver(cfg Config) *Resolver {
	var order []entry
	for _, e := range cfg.SourceIdentifiers {
		if strings.EqualFold(e.SourceIdentifier, headerKeyMarker) {
			for _, v := range e.IdentifierValues {
				order = append(order, entry{kind: v})
			}
			continue
		}
		order = append(order, entry{kind: e.SourceIdentifier, values: e.IdentifierValues})
	}

	defaultOrder := []string{KindCookie, KindAuthorization, KindXFF}

	for _, k := range defaultOrder {
		if indexOfKind(order, k) < 0 {
			order = append(order, entry{kind: k})
		}
	}

	return &Resolver{order: order}
}

func indexOfKind(list []entry, kind string) int {
	for i, e := range list {
		if strings.EqualFold(e.kind, kind) {
			return i
		}
	}
	return -1
}

func (r *Resolver) valuesForKind(kind string) []string {
	for _, e := range r.order {
		if strings.EqualFold(e.kind, kind) {
			return e.values
		}
	}
	return nil
}

func (r *Resolver) isHigherPriority(current, candidate string) bool {
	for _, e := range r.order {
		if strings.EqualFold(e.kind, current) {
			return false
		}
		if strings.EqualFold(e.kind, candidate) {
			return true
		}
	}
	return false
}

// ProcessRequestHeader is the per-header entry point (§4.8): decide
// whether key/value should become the session's source identifier, and
// -- independent of that decision -- record an x-forwarded-for header's
// leading address under the proxy_ip saved-data key.
func (r *Resolver) ProcessRequestHeader(o *session.Opaque, key, value string) {
	var xffValue string
	var haveXFF bool
	if strings.EqualFold(key, KindXFF) {
		v, err := r.parseXForwardedFor(value)
		if err != nil {
			slog.Debug("identity: could not extract address from x-forwarded-for", "error", err)
		} else {
			xffValue = v
			haveXFF = true
			o.SetSavedData(session.SavedProxyIP, v)
		}
	}

	current := o.SourceIdentifier.Kind
	if current == "" {
		current = KindSourceIP
	}
	if !r.isHigherPriority(current, key) {
		return
	}

	switch {
	case strings.EqualFold(key, KindAuthorization):
		r.applyJWT(o, key, value)
	case strings.EqualFold(key, KindXFF):
		if haveXFF {
			o.SourceIdentifier = session.SourceIdentifier{Kind: key, Value: xffValue}
		}
	case strings.EqualFold(key, KindCookie):
		r.applyCookie(o, key, value)
	default:
		o.SourceIdentifier = session.SourceIdentifier{Kind: key, Value: value}
	}
}

// applyJWT implements setJWTValuesToOpaqueCtx: requires a "Bearer "
// prefix, decodes the base64 segment between the first two dots, and
// sets the identifier to the first configured field name present in the
// decoded JSON.
func (r *Resolver) applyJWT(o *session.Opaque, key, value string) {
	fields := r.valuesForKind(KindAuthorization)
	if len(fields) == 0 {
		return
	}
	if !strings.HasPrefix(value, jwtPrefix) {
		return
	}

	startDot, endDot := -1, -1
	for i := 0; i < len(value); i++ {
		if value[i] != '.' {
			continue
		}
		if startDot < 0 {
			startDot = i
		} else if endDot < 0 {
			endDot = i
			break
		}
	}
	if startDot < 0 || endDot < 0 {
		return
	}

	decoded, ok := decodeBase64Lenient(value[startDot+1 : endDot])
	if !ok {
		return
	}

	var claims map[string]any
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return
	}
	for _, field := range fields {
		v, ok := claims[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		o.SourceIdentifier = session.SourceIdentifier{Kind: key, Value: s}
		return
	}
}

// decodeBase64Lenient tries the encodings a JWT payload segment might
// use: unpadded URL-safe first (the JWT norm), then padded variants.
func decodeBase64Lenient(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

// applyCookie implements setCookieValuesToOpaqueCtx: tries each
// configured cookie key, then the built-in _oauth2_proxy and jsessionid
// keys, in that order, and sets the identifier to the first non-empty
// value found.
func (r *Resolver) applyCookie(o *session.Opaque, key, value string) {
	keys := append(append([]string{}, r.valuesForKind(KindCookie)...), oauthCookieKey, jsessionIDKey)
	for _, k := range keys {
		v, ok := extractCookieValue(value, k)
		if !ok || v == "" {
			continue
		}
		o.SourceIdentifier = session.SourceIdentifier{Kind: key, Value: v}
		return
	}
}

// extractCookieValue implements extractKeyValueFromCookie: scans ';'
// separated elements for one matching key, applying the _oauth2_proxy
// base64-then-"|"-split decode when key is that built-in.
func extractCookieValue(cookieHeader, key string) (string, bool) {
	rest := cookieHeader
	for {
		var part string
		idx := strings.IndexByte(rest, ';')
		if idx < 0 {
			part = rest
		} else {
			part = rest[:idx]
		}

		if v, ok := parseCookieElement(part, key); ok {
			if strings.EqualFold(key, oauthCookieKey) {
				decoded, ok := decodeBase64Lenient(v)
				if !ok {
					return "", true
				}
				if pipe := strings.IndexByte(string(decoded), '|'); pipe >= 0 {
					return string(decoded[:pipe]), true
				}
				return string(decoded), true
			}
			return v, true
		}

		if idx < 0 {
			return "", false
		}
		rest = rest[idx+1:]
	}
}

// parseCookieElement implements the hand-written "  key = value  "
// parser: key match is case-insensitive, the value runs until the next
// whitespace, and any non-whitespace trailing the value is rejected.
func parseCookieElement(s, key string) (string, bool) {
	i := 0
	for i < len(s) && isCookieSpace(s[i]) {
		i++
	}
	if i+len(key) > len(s) || !strings.EqualFold(s[i:i+len(key)], key) {
		return "", false
	}
	i += len(key)
	for i < len(s) && isCookieSpace(s[i]) {
		i++
	}
	if i >= len(s) || s[i] != '=' {
		return "", false
	}
	i++
	for i < len(s) && isCookieSpace(s[i]) {
		i++
	}
	valueStart := i
	for i < len(s) && !isCookieSpace(s[i]) {
		i++
	}
	valueEnd := i
	for i < len(s) && isCookieSpace(s[i]) {
		i++
	}
	if i != len(s) {
		return "", false
	}
	return s[valueStart:valueEnd], true
}

func isCookieSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	default:
		return false
	}
}

// parseXForwardedFor implements parseXForwardedFor/split/stripOptionalPort:
// splits on commas, trims whitespace, strips an optional bracketed-IPv6
// or IPv4 port suffix, validates every resulting token as an IP address,
// and (if an XFF CIDR trust list is configured) requires every token be
// contained in it. The returned value is the first token.
func (r *Resolver) parseXForwardedFor(raw string) (string, error) {
	var tokens []string
	for _, field := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(field)
		if trimmed == "" {
			continue
		}
		tokens = append(tokens, stripOptionalPort(trimmed))
	}
	if len(tokens) == 0 {
		return "", errNoIP
	}

	nets := parseCIDRs(r.valuesForKind(KindXFF))
	for _, t := range tokens {
		if net.ParseIP(t) == nil {
			return "", errInvalidIP
		}
		if !isIPTrusted(t, nets) {
			return "", errUntrustedIP
		}
	}
	return tokens[0], nil
}

func stripOptionalPort(s string) string {
	if len(s) > 0 && s[0] == '[' {
		if close := strings.IndexByte(s, ']'); close >= 0 {
			return s[1:close]
		}
		return s
	}
	first := strings.IndexByte(s, ':')
	if first < 0 {
		return s
	}
	if strings.IndexByte(s[first+1:], ':') >= 0 {
		return s
	}
	return s[:first]
}

func parseCIDRs(values []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, v := range values {
		if _, n, err := net.ParseCIDR(v); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(v); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return nets
}

func isIPTrusted(value string, nets []*net.IPNet) bool {
	if len(nets) == 0 {
		return true
	}
	ip := net.ParseIP(value)
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
