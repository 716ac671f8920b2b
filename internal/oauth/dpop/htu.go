package dpop

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CanonicalizeHTU normalizes a DPoP "htu" value (or the server's own
// request URI) per RFC 9449 §4.3: strip query and fragment, lower-case
// scheme and host, and drop default ports. Only http and https schemes are
// accepted, and userinfo is rejected outright per spec.md §4.C step 7.
func CanonicalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("dpop: invalid htu: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("dpop: unsupported htu scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("dpop: htu must not contain userinfo")
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if isDefaultPort(scheme, port) {
		port = ""
	}

	hostport := host
	if port != "" {
		hostport = net.JoinHostPort(host, port)
	}

	out := url.URL{
		Scheme: scheme,
		Host:   hostport,
		Path:   u.EscapedPath(),
	}
	return out.String(), nil
}

func isDefaultPort(scheme, port string) bool {
	switch {
	case scheme == "http" && (port == "" || port == "80"):
		return true
	case scheme == "https" && (port == "" || port == "443"):
		return true
	default:
		return false
	}
}
