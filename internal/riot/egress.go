package riot

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// EgressIP returns the public address provider calls leave from, or "" when
// it cannot be determined. It never fails: it only decorates reports.
func (c *Client) EgressIP(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.IPEcho, nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(b))
	if _, err := netip.ParseAddr(ip); err != nil {
		return ""
	}
	return ip
}

// MaskIP hides the third IPv4 octet, or the middle of an IPv6 address.
func MaskIP(ip string) string {
	if ip == "" {
		return "<unknown>"
	}
	addr, err := netip.ParseAddr(ip)
	if err == nil && addr.Is4() {
		parts := strings.Split(ip, ".")
		parts[2] = "*"
		return strings.Join(parts, ".")
	}
	if len(ip) > 12 {
		return ip[:6] + "…" + ip[len(ip)-6:]
	}
	return "***"
}
