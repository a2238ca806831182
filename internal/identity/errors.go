package identity

import "errors"

var (
	errNoIP        = errors.New("identity: no IP found in the x-forwarded-for header")
	errInvalidIP   = errors.New("identity: invalid IP address in x-forwarded-for header")
	errUntrustedIP = errors.New("identity: untrusted IP in x-forwarded-for header")
)
