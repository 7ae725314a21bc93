package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/syncutil"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/net/netutil"
)

// TunnelServer accepts local SOCKS5 client connections and pumps their
// traffic through a ChainDecision, rewrapping each full-duplex direction
// in the outermost hop's CryptoFrame. Chain rebuilds are published under
// an atomic pointer so in-flight connections always read a consistent
// snapshot without blocking the rebuild goroutine (spec.md §5's RCU
// requirement), mirroring the bounded-concurrency accept-loop shape of
// proxy/proxy.go's requestsSema-gated tcpPacketLoop.
type TunnelServer struct {
	decision *atomic.Pointer[ChainDecision]

	builder     *ChainBuilder
	pools       Pools
	mode        Mode
	negotiator  *UpstreamNegotiator
	logger      *slog.Logger
	sema        syncutil.Semaphore
	idleTimeout time.Duration

	rateBuckets *gocache.Cache
	maxPerIP    int
}

// TunnelConfig configures a TunnelServer.
type TunnelConfig struct {
	Mode           Mode
	MaxConnections int
	IdleTimeout    time.Duration
	MaxPerIP       int
	Logger         *slog.Logger
}

// NewTunnelServer builds a server bound to pools, building its first chain
// decision immediately.
func NewTunnelServer(pools Pools, cfg TunnelConfig) (*TunnelServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 512
	}
	if cfg.MaxPerIP == 0 {
		cfg.MaxPerIP = 50
	}

	ts := &TunnelServer{
		decision:    &atomic.Pointer[ChainDecision]{},
		builder:     NewChainBuilder(),
		pools:       pools,
		mode:        cfg.Mode,
		negotiator:  NewUpstreamNegotiator(),
		logger:      cfg.Logger,
		sema:        syncutil.NewChanSemaphore(cfg.MaxConnections),
		idleTimeout: cfg.IdleTimeout,
		rateBuckets: gocache.New(1*time.Minute, 2*time.Minute),
		maxPerIP:    cfg.MaxPerIP,
	}

	if err := ts.Rotate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Rotate builds a fresh ChainDecision and atomically publishes it. Called
// on startup and on the rotation schedule; readers never observe a
// partially-built chain.
func (ts *TunnelServer) Rotate() error {
	d, err := ts.builder.Build(ts.pools, ts.mode)
	if err != nil {
		return err
	}
	ts.decision.Store(d)
	ts.logger.Info("chain rotated", "chain_id", d.ChainID, "hops", len(d.Hops), "avg_score", d.AvgScore)
	return nil
}

// Current returns the currently published ChainDecision snapshot.
func (ts *TunnelServer) Current() *ChainDecision {
	return ts.decision.Load()
}

// Serve accepts connections on l until ctx is canceled. l is wrapped in
// netutil.LimitListener so accept itself blocks once MaxConnections is in
// flight, rather than spawning unbounded goroutines that then queue on the
// semaphore (matches the teacher's requestsSema pattern one layer up).
func (ts *TunnelServer) Serve(ctx context.Context, l net.Listener, maxConns int) error {
	limited := netutil.LimitListener(l, maxConns)
	defer limited.Close()

	go func() {
		<-ctx.Done()
		limited.Close()
	}()

	for {
		conn, err := limited.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &Error{Kind: IO, Op: "TunnelServer.Serve", Err: err}
		}

		if !ts.allowFromIP(conn.RemoteAddr()) {
			conn.Close()
			continue
		}

		go ts.handleConn(ctx, conn)
	}
}

// allowFromIP enforces the per-IP connection-rate bucket (spec.md §9
// supplemented feature), keyed by remote host via a go-cache bucket the
// same way proxy's ratelimitBuckets pattern keys by client address.
func (ts *TunnelServer) allowFromIP(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	count := 1
	if v, ok := ts.rateBuckets.Get(host); ok {
		count = v.(int) + 1
	}
	ts.rateBuckets.Set(host, count, gocache.DefaultExpiration)
	return count <= ts.maxPerIP
}

func (ts *TunnelServer) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	if err := ts.sema.Acquire(ctx); err != nil {
		return
	}
	defer ts.sema.Release()

	dest, err := ts.handshakeClient(client)
	if err != nil {
		ts.logger.Debug("client handshake failed", slogutil.KeyError, err)
		return
	}

	decision := ts.Current()
	upstream, err := ts.negotiator.Negotiate(ctx, decision, dest)
	if err != nil {
		ts.logger.Debug("chain negotiation failed", "chain_id", decision.ChainID, slogutil.KeyError, err)
		ts.replyClientFailure(client, err)
		return
	}
	defer upstream.Close()

	if err := ts.replyClientSuccess(client); err != nil {
		return
	}

	outer := decision.Hops[0]
	sendFrame, err := NewCryptoFrame(outer.Forward)
	if err != nil {
		ts.logger.Error("building send frame", slogutil.KeyError, err)
		return
	}
	recvFrame, err := NewCryptoFrame(outer.Backward)
	if err != nil {
		ts.logger.Error("building recv frame", slogutil.KeyError, err)
		return
	}

	ts.pump(client, upstream, sendFrame, recvFrame)
}

// handshakeClient performs the local-facing SOCKS5 greeting/CONNECT
// handshake, returning the target the client asked for.
func (ts *TunnelServer) handshakeClient(client net.Conn) (Target, error) {
	greeting := make([]byte, 2)
	if _, err := readFull(client, greeting); err != nil {
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
	}
	if greeting[0] != socks5Version {
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: fmt.Errorf("bad version %x", greeting[0])}
	}

	methods := make([]byte, greeting[1])
	if _, err := readFull(client, methods); err != nil {
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
	}

	if _, err := client.Write([]byte{socks5Version, socks5MethodNoAuth}); err != nil {
		return Target{}, &Error{Kind: IO, Op: "handshakeClient", Err: err}
	}

	header := make([]byte, 4)
	if _, err := readFull(client, header); err != nil {
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
	}
	if header[1] != socks5CmdConnect {
		reply := []byte{socks5Version, socks5ReplyCmdNotSupported, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
		client.Write(reply)
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: fmt.Errorf("only CONNECT is supported")}
	}

	var host string
	switch header[3] {
	case socks5AtypIPv4:
		addr := make([]byte, 4)
		if _, err := readFull(client, addr); err != nil {
			return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
		}
		host = net.IP(addr).String()
	case socks5AtypIPv6:
		addr := make([]byte, 16)
		if _, err := readFull(client, addr); err != nil {
			return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
		}
		host = net.IP(addr).String()
	case socks5AtypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(client, lenByte); err != nil {
			return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
		}
		name := make([]byte, lenByte[0])
		if _, err := readFull(client, name); err != nil {
			return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
		}
		host = string(name)
	default:
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: fmt.Errorf("unknown ATYP %#x", header[3])}
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(client, portBuf); err != nil {
		return Target{}, &Error{Kind: BadReply, Op: "handshakeClient", Err: err}
	}
	port := int(binary.BigEndian.Uint16(portBuf))

	return Target{Host: host, Port: port}, nil
}

func (ts *TunnelServer) replyClientSuccess(client net.Conn) error {
	reply := []byte{socks5Version, socks5ReplySucceeded, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := client.Write(reply)
	return err
}

func (ts *TunnelServer) replyClientFailure(client net.Conn, cause error) {
	rep := byte(socks5ReplyGeneralFailure)
	if me, ok := cause.(*Error); ok {
		switch me.Kind {
		case ConnectTimeout:
			rep = socks5ReplyTTLExpired
		case UpstreamRefused, AuthRejected:
			rep = socks5ReplyConnRefused
		case BadReply:
			rep = socks5ReplyCmdNotSupported
		}
	}
	reply := []byte{socks5Version, rep, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	client.Write(reply)
}

// halfCloseGrace is how long pump waits for the second direction to finish
// on its own once the first direction has ended, before forcing both
// connections closed.
const halfCloseGrace = 5 * time.Second

// pump runs the full-duplex copy between client and upstream, encrypting
// client->upstream traffic with sendFrame and decrypting upstream->client
// traffic with recvFrame. When one direction ends, the other gets a brief
// half-close grace period to drain before both connections are torn down.
func (ts *TunnelServer) pump(client, upstream net.Conn, sendFrame, recvFrame *CryptoFrame) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 16*1024)
		for {
			client.SetReadDeadline(time.Now().Add(ts.idleTimeout))
			nr, err := client.Read(buf)
			if nr > 0 {
				record, encErr := sendFrame.Encrypt(buf[:nr])
				if encErr != nil {
					return
				}
				if _, werr := upstream.Write(record); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			upstream.SetReadDeadline(time.Now().Add(ts.idleTimeout))
			plaintext, err := recvFrame.Decrypt(upstream)
			if err != nil {
				return
			}
			if _, werr := client.Write(plaintext); werr != nil {
				return
			}
		}
	}()

	<-done
	select {
	case <-done:
	case <-time.After(halfCloseGrace):
	}
	client.Close()
	upstream.Close()
}

// DialAddrForHop builds the "host:port" dial address of a Proxy record; it
// is also the key negotiationLatencies records under.
func DialAddrForHop(p Proxy) string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}
