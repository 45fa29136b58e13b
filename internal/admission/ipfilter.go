package admission

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// IPFilter checks client addresses against a deny set and an optional allow
// set. Deny membership always rejects, even when the address also matches
// an allow entry; an empty allow set means "allow all not explicitly denied".
type IPFilter struct {
	allowNets []*net.IPNet
	denyNets  []*net.IPNet
	logger    *slog.Logger
}

// NewIPFilter creates a filter from lists of IPs/CIDRs.
func NewIPFilter(allowed, denied []string, logger *slog.Logger) *IPFilter {
	f := &IPFilter{logger: logger}
	f.allowNets = parseNets(allowed, "allowed_ips", logger)
	f.denyNets = parseNets(denied, "blocked_ips", logger)
	return f
}

// parseNets parses a mixed list of single IPs and CIDR ranges.
func parseNets(entries []string, field string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet

	for _, ipStr := range entries {
		ipStr = strings.TrimSpace(ipStr)
		if ipStr == "" {
			continue
		}

		if strings.Contains(ipStr, "/") {
			_, ipNet, err := net.ParseCIDR(ipStr)
			if err != nil {
				logger.Warn("invalid CIDR in "+field, "cidr", ipStr, "error", err)
				continue
			}
			nets = append(nets, ipNet)
			continue
		}

		// Single IP - convert to /32 or /128
		ip := net.ParseIP(ipStr)
		if ip == nil {
			logger.Warn("invalid IP in "+field, "ip", ipStr)
			continue
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
	}

	return nets
}

// IsAllowed checks whether the IP passes the filter.
func (f *IPFilter) IsAllowed(ip net.IP) bool {
	for _, ipNet := range f.denyNets {
		if ipNet.Contains(ip) {
			return false
		}
	}

	if len(f.allowNets) == 0 {
		return true
	}
	for _, ipNet := range f.allowNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsAllowedString parses and checks an IP string.
func (f *IPFilter) IsAllowedString(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return f.IsAllowed(ip)
}

// GetClientIP extracts the client IP from an HTTP request, preferring
// X-Forwarded-For and X-Real-IP over RemoteAddr.
func GetClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// Maybe no port?
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
