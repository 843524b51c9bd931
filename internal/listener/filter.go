// Package listener accepts client connections: per-service accept loops,
// IP/port connection filtering, protocol sniffing, and handoff to the
// session manager via a bounded queue.
package listener

import (
	"net"
	"sync"

	"github.com/b0cal/miel/internal/model"
)

// ConnFilter applies the configured IP-range and port allow/block lists.
// Default (empty config): allow all.
type ConnFilter struct {
	mu sync.RWMutex

	ipWhitelist   bool
	allowedRanges []*net.IPNet
	allowedIPs    []net.IP
	blockedRanges []*net.IPNet
	blockedIPs    []net.IP

	portWhitelist bool
	allowedPorts  map[int]struct{}
	blockedPorts  map[int]struct{}
}

// NewConnFilter builds a filter from the loaded configuration.
func NewConnFilter(ipf model.IPFilter, pf model.PortFilter) *ConnFilter {
	f := &ConnFilter{
		ipWhitelist:   ipf.WhitelistMode,
		portWhitelist: pf.WhitelistMode,
		allowedPorts:  toPortSet(pf.AllowedPorts),
		blockedPorts:  toPortSet(pf.BlockedPorts),
	}
	f.allowedRanges, f.allowedIPs = parseRanges(ipf.AllowedRanges)
	f.blockedRanges, f.blockedIPs = parseRanges(ipf.BlockedRanges)
	return f
}

func toPortSet(ports []int) map[int]struct{} {
	m := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		m[p] = struct{}{}
	}
	return m
}

func parseRanges(ranges []string) (nets []*net.IPNet, ips []net.IP) {
	for _, r := range ranges {
		if _, ipnet, err := net.ParseCIDR(r); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		if ip := net.ParseIP(r); ip != nil {
			ips = append(ips, ip)
		}
	}
	return nets, ips
}

// Allow reports whether a connection from remoteAddr on acceptPort should
// be admitted.
func (f *ConnFilter) Allow(remoteAddr string, acceptPort int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)

	if !f.allowPort(acceptPort) {
		return false
	}
	if ip == nil {
		return true
	}
	return f.allowIP(ip)
}

func (f *ConnFilter) allowIP(ip net.IP) bool {
	blocked := matchIP(ip, f.blockedRanges, f.blockedIPs)
	if blocked {
		return false
	}
	if !f.ipWhitelist {
		return true
	}
	return matchIP(ip, f.allowedRanges, f.allowedIPs)
}

func (f *ConnFilter) allowPort(port int) bool {
	if _, blocked := f.blockedPorts[port]; blocked {
		return false
	}
	if !f.portWhitelist {
		return true
	}
	_, allowed := f.allowedPorts[port]
	return allowed
}

func matchIP(ip net.IP, ranges []*net.IPNet, ips []net.IP) bool {
	for _, n := range ranges {
		if n.Contains(ip) {
			return true
		}
	}
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}
