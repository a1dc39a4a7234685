package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointValidator checks the API base URL the client talks to. Tokens are
// sent to this host, so plain http is only accepted for local development.
type EndpointValidator struct {
	// AllowLocal permits localhost, private addresses and plain http
	AllowLocal bool
	MaxLength  int
}

// NewEndpointValidator creates a validator with secure defaults
func NewEndpointValidator() *EndpointValidator {
	return &EndpointValidator{MaxLength: 2048}
}

// NewPermissiveEndpointValidator allows local development servers
func NewPermissiveEndpointValidator() *EndpointValidator {
	return &EndpointValidator{AllowLocal: true, MaxLength: 2048}
}

// ValidateAndNormalize returns the base URL without a trailing slash.
func (v *EndpointValidator) ValidateAndNormalize(input string) (string, error) {
	input = strings.TrimSpace(input)

	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if len(input) > v.MaxLength {
		return "", fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}
	if strings.ContainsAny(input, "<>\"'` ") {
		return "", fmt.Errorf("URL contains invalid characters")
	}

	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}
	if u.User != nil {
		return "", fmt.Errorf("URL must not carry credentials")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("base URL must not have a query or fragment")
	}
	if strings.Contains(u.Path, "..") {
		return "", fmt.Errorf("directory traversal patterns not allowed in URL path")
	}

	hostname := u.Hostname()
	local := isLocalhost(hostname)
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		local = true
	}

	switch {
	case local && !v.AllowLocal:
		return "", fmt.Errorf("local and private addresses are not permitted")
	case u.Scheme == "http" && !v.AllowLocal:
		return "", fmt.Errorf("URL must use https")
	case u.Scheme != "http" && u.Scheme != "https":
		return "", fmt.Errorf("URL must use http or https protocol")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

func isLocalhost(hostname string) bool {
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasSuffix(hostname, ".localhost")
}

var privateBlocks = func() []*net.IPNet {
	var blocks []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"127.0.0.0/8",
		"fc00::/7",
		"fe80::/10",
	} {
		_, block, _ := net.ParseCIDR(cidr)
		blocks = append(blocks, block)
	}
	return blocks
}()

func isPrivateIP(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
