package listener

import (
	"bytes"
	"net"
	"time"

	"github.com/b0cal/miel/internal/model"
)

// sniffTimeout bounds the initial peek; a silent client falls through to
// port-based service selection.
const (
	sniffTimeout = 500 * time.Millisecond
	sniffMaxPeek = 1024
)

// peekConn wraps a net.Conn so the sniff peek and the later recording
// proxy both observe the full client byte stream: bytes read during
// sniffing are buffered and replayed to subsequent Read calls, so the
// sniff never consumes bytes the proxy should see.
type peekConn struct {
	net.Conn
	buffered *bytes.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	if p.buffered != nil && p.buffered.Len() > 0 {
		return p.buffered.Read(b)
	}
	return p.Conn.Read(b)
}

// sniff peeks up to sniffMaxPeek bytes from conn within sniffTimeout and
// matches them against each candidate service's header patterns. It
// returns the detected service name (or fallback) and a wrapped
// connection that replays the peeked bytes to subsequent reads.
func sniff(conn net.Conn, acceptPort int, services []model.ServiceConfig) (string, net.Conn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	buf := make([]byte, sniffMaxPeek)
	n, _ := conn.Read(buf) // timeout or EOF both tolerated; sniff is best-effort
	_ = conn.SetReadDeadline(time.Time{})

	peeked := buf[:n]
	wrapped := &peekConn{Conn: conn, buffered: bytes.NewReader(append([]byte(nil), peeked...))}

	name := matchService(peeked, acceptPort, services)
	return name, wrapped, nil
}

// matchService matches each header-pattern prefix; first match wins; on
// tie the service whose listen-port equals the accept port wins; fall
// back to the service bound to acceptPort if nothing matches.
func matchService(peeked []byte, acceptPort int, services []model.ServiceConfig) string {
	var matched []model.ServiceConfig
	for _, svc := range services {
		for _, pattern := range svc.HeaderPatterns {
			if bytes.HasPrefix(peeked, []byte(pattern)) {
				matched = append(matched, svc)
				break
			}
		}
	}

	if len(matched) == 1 {
		return matched[0].Name
	}
	if len(matched) > 1 {
		for _, svc := range matched {
			if svc.Port == acceptPort {
				return svc.Name
			}
		}
		return matched[0].Name
	}

	for _, svc := range services {
		if svc.Port == acceptPort {
			return svc.Name
		}
	}
	return ""
}
