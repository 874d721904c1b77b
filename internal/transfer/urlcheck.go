package transfer

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy restricts where transfers may pull from and how much they may
// pull. A nil policy allows everything; the zero value allows any public
// http(s) host with no size cap.
type Policy struct {
	AllowPrivate    bool
	AllowedHosts    []string // exact hosts, or ".suffix" entries matching subdomains
	MaxContentBytes int64    // 0 means unlimited
}

// ValidateURL checks a source URL against the policy. Redirect targets go
// through the same check, so an allowed host cannot bounce a transfer into
// a blocked one.
func (p *Policy) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if !hostAllowed(host, p.AllowedHosts) {
		return nil, fmt.Errorf("host not allowed")
	}
	if p.AllowPrivate {
		return u, nil
	}
	if isLocalHostname(host) {
		return nil, fmt.Errorf("host not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("ip not allowed")
		}
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("host not resolvable")
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("ip not allowed")
		}
	}
	return u, nil
}

func hostAllowed(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func isLocalHostname(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "localhost" || host == "localhost.localdomain" {
		return true
	}
	return strings.HasSuffix(host, ".local")
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	return ip.IsPrivate()
}
