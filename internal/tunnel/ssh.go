package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/profile"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHEstablisher dials the SSH server and opens a local listener whose
// connections are forwarded through direct-tcpip channels.
type SSHEstablisher struct {
	// DialTimeout bounds the TCP connect when ctx has no deadline.
	DialTimeout time.Duration
}

// Establish implements Establisher.
func (e *SSHEstablisher) Establish(ctx context.Context, spec *profile.TunnelSpec, target string) (Forwarder, error) {
	auth, closeAuth, err := authMethods(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer closeAuth()

	hostKeys, err := hostKeyCallback(spec)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         e.DialTimeout,
	}

	addr := spec.Addr()
	dialer := net.Dialer{Timeout: e.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake has no context of its own; bound it by ctx.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	bind := spec.BindAddress
	if bind == "" {
		bind = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(spec.LocalPort)))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("listen on local port: %w", err)
	}

	f := &sshForwarder{
		client:   client,
		listener: listener,
		target:   target,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go f.serve()
	go f.waitClient()
	return f, nil
}

// authMethods builds the client auth list for spec. The returned func
// releases any agent connection.
func authMethods(spec *profile.TunnelSpec) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch spec.Auth {
	case profile.AuthPassword, "":
		pw := spec.SecretPassword()
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, noop, nil

	case profile.AuthKey:
		keyBytes, err := os.ReadFile(expandHome(spec.KeyFile))
		if err != nil {
			return nil, noop, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if spec.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(spec.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, noop, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case profile.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, noop, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to ssh agent: %w", err)
		}
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { conn.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported auth method %q", spec.Auth)
	}
}

func hostKeyCallback(spec *profile.TunnelSpec) (ssh.HostKeyCallback, error) {
	if spec.KnownHosts == "" {
		logger.Warn("SSH host key verification disabled; set known_hosts to enable it", "tunnel", spec.Key())
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(spec.KnownHosts))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

type sshForwarder struct {
	client   *ssh.Client
	listener net.Listener
	target   string

	done     chan struct{}
	doneOnce sync.Once
	err      error

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (f *sshForwarder) LocalAddr() *net.TCPAddr {
	return f.listener.Addr().(*net.TCPAddr)
}

func (f *sshForwarder) Done() <-chan struct{} { return f.done }

func (f *sshForwarder) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *sshForwarder) finish(err error) {
	f.doneOnce.Do(func() {
		f.err = err
		close(f.done)
	})
}

// waitClient reports the SSH connection going away.
func (f *sshForwarder) waitClient() {
	err := f.client.Wait()
	if err == nil {
		err = io.EOF
	}
	f.finish(fmt.Errorf("ssh connection closed: %w", err))
}

// Keepalive sends an OpenSSH keepalive global request.
func (f *sshForwarder) Keepalive(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := f.client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve accepts local connections and forwards each through the SSH client.
func (f *sshForwarder) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.finish(fmt.Errorf("accept: %w", err))
			}
			return
		}

		remote, err := f.client.Dial("tcp", f.target)
		if err != nil {
			logger.Warn("Tunnel dial failed", "target", f.target, "error", err)
			conn.Close()
			continue
		}

		f.track(conn, true)
		go func() {
			bidirectionalCopy(conn, remote)
			f.track(conn, false)
		}()
	}
}

func (f *sshForwarder) track(c net.Conn, add bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if add {
		f.conns[c] = struct{}{}
	} else {
		delete(f.conns, c)
	}
}

func (f *sshForwarder) Close() error {
	err := f.listener.Close()

	f.mu.Lock()
	for c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()

	if cerr := f.client.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	f.finish(errors.New("tunnel closed"))
	return err
}

// bidirectionalCopy pipes data between two connections until one side
// closes or errors.
func bidirectionalCopy(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	<-done
	a.Close()
	b.Close()
	// Wait for the second copy to finish
	<-done
}

// permanent reports errors that another attempt cannot fix: a host key
// that does not match known_hosts. Authentication failures are retried
// within the policy bound.
func permanent(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr)
}
