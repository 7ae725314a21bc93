package mesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
)

// negotiationLatencies is a small LRU of hop address -> last successful
// negotiation latency, readable only through NegotiationLatency; no
// subcommand reports it. It never feeds back into ChainBuilder's scoring
// or selection.
var negotiationLatencies = gcache.New(256).LRU().Build()

// NegotiationLatency returns the last observed successful negotiation
// latency for hopAddr, if any has been recorded.
func NegotiationLatency(hopAddr string) (time.Duration, bool) {
	v, err := negotiationLatencies.Get(hopAddr)
	if err != nil {
		return 0, false
	}
	return v.(time.Duration), true
}

// NegotiatorTimeouts bundles the three deadlines spec.md §4.4 names:
// per-dial (T_conn), per-step handshake (T_step), and whole-chain
// (T_total).
type NegotiatorTimeouts struct {
	Conn  time.Duration
	Step  time.Duration
	Total time.Duration
}

// DefaultNegotiatorTimeouts matches spec.md §4.4's suggested defaults.
func DefaultNegotiatorTimeouts() NegotiatorTimeouts {
	return NegotiatorTimeouts{
		Conn:  8 * time.Second,
		Step:  5 * time.Second,
		Total: 20 * time.Second,
	}
}

// UpstreamNegotiator dials a ChainDecision hop by hop and negotiates each
// leg, producing a single net.Conn that terminates at the final hop with
// the ultimate destination CONNECTed through it.
//
// Hand-rolled against golang.org/x/net/proxy's generic SOCKS5 dialer
// because that dialer exposes neither per-step deadlines nor a way to
// translate a REP byte back into a typed error, and it can't be told to
// prefer DOMAIN-ATYP when chaining through an intermediate hop (see
// DESIGN.md).
type UpstreamNegotiator struct {
	Timeouts NegotiatorTimeouts
}

// NewUpstreamNegotiator builds a negotiator with the default timeouts.
func NewUpstreamNegotiator() *UpstreamNegotiator {
	return &UpstreamNegotiator{Timeouts: DefaultNegotiatorTimeouts()}
}

// Target is the ultimate destination a built chain should terminate at.
type Target struct {
	Host string
	Port int
}

// Negotiate dials decision.Hops in order and CONNECTs through each to the
// next, finally CONNECTing to dest through the last hop. It returns the
// live connection to the first hop once the whole chain is established.
func (n *UpstreamNegotiator) Negotiate(ctx context.Context, decision *ChainDecision, dest Target) (net.Conn, error) {
	if len(decision.Hops) == 0 {
		return nil, &Error{Kind: InvalidInput, Op: "UpstreamNegotiator.Negotiate", Err: fmt.Errorf("chain has no hops")}
	}

	ctx, cancel := context.WithTimeout(ctx, n.Timeouts.Total)
	defer cancel()

	first := decision.Hops[0].Proxy
	conn, err := n.dial(ctx, net.JoinHostPort(first.Address, strconv.Itoa(first.Port)))
	if err != nil {
		return nil, err
	}

	for i, hop := range decision.Hops {
		var next Target
		if i+1 < len(decision.Hops) {
			nextProxy := decision.Hops[i+1].Proxy
			next = Target{Host: nextProxy.Address, Port: nextProxy.Port}
		} else {
			next = dest
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, n.Timeouts.Step)
		err := n.connectThrough(stepCtx, conn, hop.Proxy, next)
		stepCancel()
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

func (n *UpstreamNegotiator) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, n.Timeouts.Conn)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, &Error{Kind: ConnectTimeout, Op: "UpstreamNegotiator.dial", Err: err}
		}
		return nil, &Error{Kind: IO, Op: "UpstreamNegotiator.dial", Err: err}
	}
	return conn, nil
}

// connectThrough performs the hop-appropriate CONNECT handshake over conn,
// asking hop to open a path to next.
func (n *UpstreamNegotiator) connectThrough(ctx context.Context, conn net.Conn, hop Proxy, next Target) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	start := time.Now()
	var err error
	switch hop.Protocol {
	case ProtoSOCKS5:
		err = socks5Connect(conn, next)
	case ProtoHTTP, ProtoHTTPS:
		err = httpConnect(conn, next)
	case ProtoSOCKS4:
		err = &Error{Kind: InvalidInput, Op: "UpstreamNegotiator.connectThrough", Err: fmt.Errorf("socks4 hops are never selected by ChainBuilder")}
	default:
		err = &Error{Kind: InvalidInput, Op: "UpstreamNegotiator.connectThrough", Err: fmt.Errorf("unsupported protocol %q", hop.Protocol)}
	}

	if err == nil {
		negotiationLatencies.Set(DialAddrForHop(hop), time.Since(start))
	}
	return err
}

// socks5Connect performs the greeting, method selection, and CONNECT
// request against conn, preferring DOMAIN-ATYP when next.Host isn't a
// literal IP so resolution happens at the proxy (spec.md §4.4).
func socks5Connect(conn net.Conn, next Target) error {
	greeting := []byte{socks5Version, 1, socks5MethodNoAuth}
	if _, err := conn.Write(greeting); err != nil {
		return &Error{Kind: IO, Op: "socks5Connect", Err: err}
	}

	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		return &Error{Kind: BadReply, Op: "socks5Connect", Err: err}
	}
	if reply[0] != socks5Version {
		return &Error{Kind: BadReply, Op: "socks5Connect", Err: fmt.Errorf("bad version byte %x", reply[0])}
	}
	if reply[1] != socks5MethodNoAuth {
		return &Error{Kind: AuthRejected, Op: "socks5Connect", Err: fmt.Errorf("hop rejected no-auth method")}
	}

	req, err := socks5ConnectRequest(next)
	if err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return &Error{Kind: IO, Op: "socks5Connect", Err: err}
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return &Error{Kind: BadReply, Op: "socks5Connect", Err: err}
	}
	if header[0] != socks5Version {
		return &Error{Kind: BadReply, Op: "socks5Connect", Err: fmt.Errorf("bad reply version %x", header[0])}
	}
	if header[1] != socks5ReplySucceeded {
		kind := socks5ReplyToKind(header[1])
		return &Error{Kind: kind, Op: "socks5Connect", Err: fmt.Errorf("hop refused with REP %#x", header[1]), Code: int(header[1])}
	}

	return discardBoundAddr(conn, header[3])
}

// socks5ConnectRequest builds the CONNECT request bytes for next.
func socks5ConnectRequest(next Target) ([]byte, error) {
	req := []byte{socks5Version, socks5CmdConnect, 0x00}

	if ip := net.ParseIP(next.Host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socks5AtypIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socks5AtypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(next.Host) > 255 {
			return nil, &Error{Kind: InvalidInput, Op: "socks5ConnectRequest", Err: fmt.Errorf("hostname too long for DOMAIN-ATYP")}
		}
		req = append(req, socks5AtypDomain, byte(len(next.Host)))
		req = append(req, []byte(next.Host)...)
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(next.Port))
	req = append(req, portBuf[:]...)
	return req, nil
}

// discardBoundAddr reads and discards the BND.ADDR/BND.PORT trailer of a
// successful SOCKS5 reply, whose length depends on atyp.
func discardBoundAddr(conn net.Conn, atyp byte) error {
	var addrLen int
	switch atyp {
	case socks5AtypIPv4:
		addrLen = 4
	case socks5AtypIPv6:
		addrLen = 16
	case socks5AtypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return &Error{Kind: BadReply, Op: "discardBoundAddr", Err: err}
		}
		addrLen = int(lenByte[0])
	default:
		return &Error{Kind: BadReply, Op: "discardBoundAddr", Err: fmt.Errorf("unknown ATYP %#x", atyp)}
	}

	trailer := make([]byte, addrLen+2) // +2 for BND.PORT
	if _, err := readFull(conn, trailer); err != nil {
		return &Error{Kind: BadReply, Op: "discardBoundAddr", Err: err}
	}
	return nil
}

// httpConnect performs an HTTP CONNECT handshake against conn, the
// fallback negotiation method for http/https hops.
func httpConnect(conn net.Conn, next Target) error {
	addr := net.JoinHostPort(next.Host, strconv.Itoa(next.Port))
	req, err := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
	if err != nil {
		return &Error{Kind: InvalidInput, Op: "httpConnect", Err: err}
	}
	req.Host = addr

	if err := req.Write(conn); err != nil {
		return &Error{Kind: IO, Op: "httpConnect", Err: err}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return &Error{Kind: BadReply, Op: "httpConnect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Kind: httpStatusToKind(resp.StatusCode),
			Op:   "httpConnect",
			Err:  fmt.Errorf("hop refused CONNECT with status %s", resp.Status),
			Code: resp.StatusCode,
		}
	}
	return nil
}

func httpStatusToKind(status int) Kind {
	switch {
	case status == http.StatusProxyAuthRequired:
		return AuthRejected
	case status == http.StatusGatewayTimeout:
		return ConnectTimeout
	case status >= 400 && status < 500:
		return UpstreamRefused
	default:
		return BadReply
	}
}

// readFull is io.ReadFull with mesh's IO-kind wrapping left to callers.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		nr, err := conn.Read(buf[total:])
		total += nr
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
