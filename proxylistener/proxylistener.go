// Package proxylistener wraps the listener of the proxy to accept the
// PROXY protocol header sent by the load balancers in front of it. The
// address found in the header becomes the remote address of the
// incoming requests.
package proxylistener

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pires/go-proxyproto"
	"go4.org/netipx"

	"github.com/allegro/zuul-go/logging"
)

const (
	defaultReadHeaderTimeout = time.Second
	defaultReadBufferSize    = 256
)

// Options of the listener. The upstream address of a connection is
// checked against the deny, the skip and the allow lists, in this
// order:
//
//   - denied connections are closed,
//   - skipped connections are used without reading the header,
//   - allowed connections may send the header.
//
// Connections not matching any of the lists are closed.
type Options struct {
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ReadBufferSize    int

	AllowListCIDRs []string
	SkipListCIDRs  []string
	DenyListCIDRs  []string

	Log logging.Logger
}

type listener struct {
	net.Listener
	log logging.Logger
}

// ParseIPCIDRs parses a list of addresses and networks, e.g.
// 10.0.0.1 and 10.2.0.0/16.
func ParseIPCIDRs(cidrs []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if strings.Contains(c, "/") {
			p, err := netip.ParsePrefix(c)
			if err != nil {
				return nil, err
			}

			b.AddPrefix(p)
			continue
		}

		a, err := netip.ParseAddr(c)
		if err != nil {
			return nil, err
		}

		b.Add(a)
	}

	return b.IPSet()
}

func upstreamAddr(a net.Addr) (netip.Addr, bool) {
	if ta, ok := a.(*net.TCPAddr); ok {
		addr, ok := netip.AddrFromSlice(ta.IP)
		return addr.Unmap(), ok
	}

	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}, false
	}

	return ap.Addr().Unmap(), true
}

func validateHeader(h *proxyproto.Header) error {
	if h == nil {
		return errors.New("proxylistener: header is nil")
	}

	if h.SourceAddr == nil || h.DestinationAddr == nil {
		return fmt.Errorf("proxylistener: header missing addresses src: %q, dst: %q", h.SourceAddr, h.DestinationAddr)
	}

	if h.TransportProtocol != proxyproto.TCPv4 && h.TransportProtocol != proxyproto.TCPv6 {
		return fmt.Errorf("proxylistener: unsupported protocol %v", h.TransportProtocol)
	}

	return nil
}

// New wraps the listener of the options.
func New(o Options) (net.Listener, error) {
	if o.Listener == nil {
		return nil, errors.New("proxylistener: missing listener")
	}

	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = defaultReadHeaderTimeout
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}

	if o.Log == nil {
		o.Log = logging.New()
	}

	allow, err := ParseIPCIDRs(o.AllowListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse allow list: %w", err)
	}

	skip, err := ParseIPCIDRs(o.SkipListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse skip list: %w", err)
	}

	deny, err := ParseIPCIDRs(o.DenyListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deny list: %w", err)
	}

	policy := func(cpo proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
		addr, ok := upstreamAddr(cpo.Upstream)
		switch {
		case !ok:
			o.Log.Warnf("Rejected connection from unknown upstream address: %v", cpo.Upstream)
			return proxyproto.REJECT, nil
		case deny.Contains(addr):
			return proxyproto.REJECT, nil
		case skip.Contains(addr):
			return proxyproto.SKIP, nil
		case allow.Contains(addr):
			return proxyproto.USE, nil
		default:
			return proxyproto.REJECT, nil
		}
	}

	return &listener{
		Listener: &proxyproto.Listener{
			Listener:          o.Listener,
			ReadHeaderTimeout: o.ReadHeaderTimeout,
			ReadBufferSize:    o.ReadBufferSize,
			ConnPolicy:        policy,
			ValidateHeader:    validateHeader,
		},
		log: o.Log,
	}, nil
}

// Accept skips the rejected connections, so that they don't stop the
// server.
func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if errors.Is(err, proxyproto.ErrInvalidUpstream) {
			l.log.Debugf("Rejected connection: %v", err)
			continue
		}

		return conn, err
	}
}
