package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/retry"
	gossh "golang.org/x/crypto/ssh"
)

const testPassword = "s3cret"

// startTestSSHServer starts a minimal SSH server that accepts password auth
// and handles direct-tcpip channel requests (used by ssh.Client.Dial).
func startTestSSHServer(t *testing.T) (host string, port int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := gossh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(c gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if c.User() == "ops" && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, cfg)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveSSHConn(netConn net.Conn, cfg *gossh.ServerConfig) {
	defer netConn.Close()

	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go serveDirectTCPIP(newChan)
	}
}

// directTCPIPData matches the SSH wire format for direct-tcpip extra data.
type directTCPIPData struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func serveDirectTCPIP(newChan gossh.NewChannel) {
	var data directTCPIPData
	if err := gossh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "invalid payload")
		return
	}

	dest, err := net.Dial("tcp", net.JoinHostPort(data.DestHost, strconv.Itoa(int(data.DestPort))))
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go gossh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}

// startEchoServer starts a TCP echo server and returns its address.
func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().String()
}

func TestSSHEstablisherForwardsTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SSH forwarding test in short mode")
	}

	host, port := startTestSSHServer(t)
	echo := startEchoServer(t)

	m := NewManager(Options{
		Establisher:       &SSHEstablisher{DialTimeout: 5 * time.Second},
		IdleGrace:         10 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		Retry:             retry.Policy{MaxAttempts: 1},
	})
	defer m.Close()

	spec := &profile.TunnelSpec{Host: host, Port: port, User: "ops", Auth: profile.AuthPassword, Password: testPassword}
	tun, err := m.Acquire(context.Background(), spec, echo)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", tun.LocalAddr(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// keepalives keep succeeding against a live server
	time.Sleep(150 * time.Millisecond)
	assert.True(t, tun.Alive())

	m.Release(tun)
	assert.Eventually(t, func() bool { return m.Stats().Teardowns == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSHEstablisherRejectsBadPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SSH auth test in short mode")
	}

	host, port := startTestSSHServer(t)
	m := NewManager(Options{
		Establisher: &SSHEstablisher{DialTimeout: 5 * time.Second},
		Retry:       retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	defer m.Close()

	spec := &profile.TunnelSpec{Host: host, Port: port, User: "ops", Auth: profile.AuthPassword, Password: "wrong"}
	_, err := m.Acquire(context.Background(), spec, "127.0.0.1:5432")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, dberr.ErrTunnel.WithReason(dberr.ReasonAuth))
}

func TestSSHEstablisherUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	m := NewManager(Options{
		Establisher: &SSHEstablisher{DialTimeout: time.Second},
		Retry:       retry.Policy{MaxAttempts: 1},
	})
	defer m.Close()

	spec := &profile.TunnelSpec{Host: "127.0.0.1", Port: addr.Port, User: "ops", Auth: profile.AuthPassword}
	_, err = m.Acquire(context.Background(), spec, "127.0.0.1:5432")
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrTunnel.WithReason(dberr.ReasonUnreachable))
}
