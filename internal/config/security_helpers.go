package config

import (
	"net"
	"net/url"
	"strings"
)

func dsnHost(dsn string) string {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Hostname())
}

func dsnUsesInsecureSSL(dsn string) bool {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return false
	}
	q := strings.TrimSpace(strings.ToLower(u.Query().Get("sslmode")))
	return q == "disable" || q == "allow" || q == "prefer"
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func hasScheme(raw, scheme string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, scheme)
}

// brokerURLIsSecure accepts a TLS scheme, or a plaintext scheme pointed at a
// loopback broker.
func brokerURLIsSecure(raw, tlsScheme string) bool {
	if hasScheme(raw, tlsScheme) {
		return true
	}
	return isLoopbackHost(dsnHost(raw))
}
