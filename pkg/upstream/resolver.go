package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"jmrithrottle/gateway/pkg/logging"
)

// Resolver looks up the control server host through explicit DNS servers,
// following CNAMEs. Without servers it defers to the system resolver.
type Resolver struct {
	servers []string // host:port
	timeout time.Duration
}

func NewResolver(servers []string, timeout time.Duration) *Resolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		norm = append(norm, s)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{servers: norm, timeout: timeout}
}

// LookupHost returns the addresses for host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	if r == nil || len(r.servers) == 0 {
		return net.DefaultResolver.LookupHost(ctx, host)
	}

	target := host
	var out []string
	for hop := 0; hop < 5 && len(out) == 0; hop++ {
		next := ""
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			rrs, err := r.query(ctx, target, qtype)
			if err != nil {
				logging.Debugf("[DNS] %s type %d: %v", target, qtype, err)
				continue
			}
			for _, rr := range rrs {
				switch v := rr.(type) {
				case *mdns.A:
					out = append(out, v.A.String())
				case *mdns.AAAA:
					out = append(out, v.AAAA.String())
				case *mdns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
			}
		}
		if next == "" || next == target {
			break
		}
		target = next
	}
	if len(out) == 0 {
		// fall back to the system resolver
		if sys, err := net.DefaultResolver.LookupHost(ctx, host); err == nil {
			return sys, nil
		}
		return nil, fmt.Errorf("resolve %s: no answer from %v", host, r.servers)
	}
	return out, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	c := &mdns.Client{Timeout: r.timeout}
	var lastErr error
	for _, srv := range r.servers {
		in, _, err := c.ExchangeContext(ctx, m, srv)
		if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
			return in.Answer, nil
		}
		if err == nil {
			err = fmt.Errorf("rcode %s from %s", mdns.RcodeToString[rcodeOf(in)], srv)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no servers")
	}
	return nil, lastErr
}

func rcodeOf(m *mdns.Msg) int {
	if m == nil {
		return mdns.RcodeServerFailure
	}
	return m.Rcode
}

// DialContext resolves addr's host with r and dials the first reachable address.
func (r *Resolver) DialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: timeout}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}
