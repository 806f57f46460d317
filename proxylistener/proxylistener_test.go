package proxylistener

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/logging/loggingtest"
)

const clientAddr = "192.0.2.1:12345"

func newServer(t *testing.T, o Options) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tl := loggingtest.New()
	t.Cleanup(tl.Close)
	o.Listener, o.Log = l, tl
	pl, err := New(o)
	require.NoError(t, err)

	s := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.RemoteAddr)
	})}

	go s.Serve(pl)
	t.Cleanup(func() { s.Close() })
	return l.Addr().String()
}

func proxyClient(withHeader bool) *http.Client {
	d := &net.Dialer{Timeout: 3 * time.Second}
	return &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := d.DialContext(ctx, network, addr)
				if err != nil || !withHeader {
					return conn, err
				}

				h := &proxyproto.Header{
					Version:           2,
					Command:           proxyproto.PROXY,
					TransportProtocol: proxyproto.TCPv4,
					SourceAddr:        net.TCPAddrFromAddrPort(netip.MustParseAddrPort(clientAddr)),
					DestinationAddr:   conn.RemoteAddr(),
				}

				if _, err := h.WriteTo(conn); err != nil {
					conn.Close()
					return nil, err
				}

				return conn, nil
			},
		},
	}
}

func get(t *testing.T, c *http.Client, addr string) (string, error) {
	t.Helper()
	rsp, err := c.Get("http://" + addr)
	if err != nil {
		return "", err
	}

	defer rsp.Body.Close()
	b, err := io.ReadAll(rsp.Body)
	return string(b), err
}

func TestParseIPCIDRs(t *testing.T) {
	s, err := ParseIPCIDRs([]string{"10.0.0.1", " 10.2.0.0/16", "::1"})
	require.NoError(t, err)
	assert.True(t, s.Contains(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, s.Contains(netip.MustParseAddr("10.2.3.4")))
	assert.True(t, s.Contains(netip.MustParseAddr("::1")))
	assert.False(t, s.Contains(netip.MustParseAddr("10.0.0.2")))

	_, err = ParseIPCIDRs([]string{"10.0.0.0/33"})
	assert.Error(t, err)

	_, err = New(Options{Listener: &net.TCPListener{}, AllowListCIDRs: []string{"not-an-ip"}})
	assert.Error(t, err)
}

func TestHeaderFromAllowedUpstream(t *testing.T) {
	addr := newServer(t, Options{AllowListCIDRs: []string{"127.0.0.0/8"}})

	remote, err := get(t, proxyClient(true), addr)
	require.NoError(t, err)
	assert.Equal(t, clientAddr, remote)

	// the header is optional for the allowed upstreams
	remote, err = get(t, proxyClient(false), addr)
	require.NoError(t, err)
	assert.NotEqual(t, clientAddr, remote)
}

func TestSkippedUpstream(t *testing.T) {
	addr := newServer(t, Options{
		AllowListCIDRs: []string{"0.0.0.0/0"},
		SkipListCIDRs:  []string{"127.0.0.1"},
	})

	remote, err := get(t, proxyClient(false), addr)
	require.NoError(t, err)
	host, _, err := net.SplitHostPort(remote)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}

func TestRejectedUpstream(t *testing.T) {
	for _, o := range []Options{
		{DenyListCIDRs: []string{"127.0.0.1"}, AllowListCIDRs: []string{"0.0.0.0/0"}},
		{AllowListCIDRs: []string{"10.0.0.0/8"}},
	} {
		addr := newServer(t, o)
		_, err := get(t, proxyClient(true), addr)
		assert.Error(t, err)

		// the server keeps accepting after a rejection
		_, err = get(t, proxyClient(true), addr)
		assert.Error(t, err)
	}
}
