package cashu

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// IssuerURL is the normalised identity of a mint. Values are only produced by
// ParseIssuerURL so two URLs that differ in case, trailing slash or default
// port compare equal.
type IssuerURL string

// ParseIssuerURL normalises raw into an IssuerURL. A missing scheme defaults to
// https.
func ParseIssuerURL(raw string) (IssuerURL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: issuer url required", ErrInvalidInput)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: parse issuer url: %v", ErrInvalidInput, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported issuer scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: issuer url missing host", ErrInvalidInput)
	}
	port := parsed.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := strings.TrimRight(parsed.EscapedPath(), "/")
	return IssuerURL(scheme + "://" + host + path), nil
}

// MustIssuerURL is ParseIssuerURL for literals known to be valid.
func MustIssuerURL(raw string) IssuerURL {
	issuer, err := ParseIssuerURL(raw)
	if err != nil {
		panic(err)
	}
	return issuer
}

// String returns the normalised URL.
func (u IssuerURL) String() string { return string(u) }

// Endpoint joins an API path onto the issuer base URL.
func (u IssuerURL) Endpoint(path string) string {
	return string(u) + "/" + strings.TrimLeft(path, "/")
}
