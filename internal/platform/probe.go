package platform

import (
	"net"
	"net/url"
	"time"
)

// Probe answers IsOnline by dialing the backend host. It is the Go stand-in
// for a browser's connectivity flag: cheap, advisory, and sometimes wrong,
// which is why callers still classify per-request failures.
type Probe struct {
	addr    string
	timeout time.Duration
}

// NewProbe creates a connectivity probe against the API URL's host
func NewProbe(apiURL string, timeout time.Duration) *Probe {
	addr := "localhost:80"
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		addr = u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "https", "wss":
				addr = net.JoinHostPort(u.Hostname(), "443")
			default:
				addr = net.JoinHostPort(u.Hostname(), "80")
			}
		}
	}
	return &Probe{addr: addr, timeout: timeout}
}

// IsOnline reports whether the backend host currently accepts connections
func (p *Probe) IsOnline() bool {
	conn, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
