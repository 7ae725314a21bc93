package mesh

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocks5Hop runs a single-connection SOCKS5 server that accepts a
// no-auth greeting and any CONNECT request, sending the ATYP it received
// on gotATYP so the test can assert DOMAIN-ATYP forwarding.
func fakeSocks5Hop(t *testing.T, gotATYP chan<- byte) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 2)
		if _, err := readFull(conn, greeting); err != nil {
			return
		}
		methods := make([]byte, greeting[1])
		readFull(conn, methods)
		conn.Write([]byte{socks5Version, socks5MethodNoAuth})

		header := make([]byte, 4)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		gotATYP <- header[3]

		switch header[3] {
		case socks5AtypIPv4:
			buf := make([]byte, 4+2)
			readFull(conn, buf)
		case socks5AtypIPv6:
			buf := make([]byte, 16+2)
			readFull(conn, buf)
		case socks5AtypDomain:
			lenByte := make([]byte, 1)
			readFull(conn, lenByte)
			buf := make([]byte, int(lenByte[0])+2)
			readFull(conn, buf)
		}

		reply := []byte{socks5Version, socks5ReplySucceeded, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
		conn.Write(reply)
	}()

	return l
}

func TestSocks5Connect_UsesDomainATYPForHostnames(t *testing.T) {
	gotATYP := make(chan byte, 1)
	l := fakeSocks5Hop(t, gotATYP)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks5Connect(conn, Target{Host: "example.com", Port: 443})
	require.NoError(t, err)

	select {
	case atyp := <-gotATYP:
		assert.Equal(t, socks5AtypDomain, atyp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ATYP")
	}
}

func TestSocks5Connect_UsesIPv4ATYPForLiteralIP(t *testing.T) {
	gotATYP := make(chan byte, 1)
	l := fakeSocks5Hop(t, gotATYP)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks5Connect(conn, Target{Host: "93.184.216.34", Port: 80})
	require.NoError(t, err)

	select {
	case atyp := <-gotATYP:
		assert.Equal(t, socks5AtypIPv4, atyp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ATYP")
	}
}

func TestSocks5ConnectRequest_RejectsOversizeHostname(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err := socks5ConnectRequest(Target{Host: string(long), Port: 80})
	require.Error(t, err)
}

func TestHandshakeClient_ParsesDomainTarget(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	ts := &TunnelServer{}

	done := make(chan struct{})
	var target Target
	var herr error
	go func() {
		defer close(done)
		target, herr = ts.handshakeClient(serverSide)
	}()

	clientSide.Write([]byte{socks5Version, 1, socks5MethodNoAuth})
	reply := make([]byte, 2)
	clientSide.Read(reply)

	host := "internal.example"
	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AtypDomain, byte(len(host))}
	req = append(req, []byte(host)...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], 8443)
	req = append(req, portBuf[:]...)
	clientSide.Write(req)

	<-done
	require.NoError(t, herr)
	assert.Equal(t, host, target.Host)
	assert.Equal(t, 8443, target.Port)
}

func TestHTTPConnect_Success(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := readRequestLine(br)
		if err != nil {
			return
		}
		_ = req
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = httpConnect(conn, Target{Host: "example.com", Port: 443})
	require.NoError(t, err)
}

// readRequestLine drains one HTTP request off br so the fake server's write
// isn't racing the client's read.
func readRequestLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\r\n" {
			return "", nil
		}
	}
}
