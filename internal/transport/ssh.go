package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"olav/internal/inventory"
	"olav/internal/types"
)

// ===== SSH CLI TRANSPORT =====

// SSHTransport drives the device CLI over SSH. Each Send runs on a fresh
// exec channel of the shared connection, which avoids prompt scraping and
// pager state entirely.
type SSHTransport struct {
	opts Options
}

// NewSSH creates the SSH transport.
func NewSSH(opts Options) *SSHTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	return &SSHTransport{opts: opts}
}

func (t *SSHTransport) Name() string { return "ssh" }

// Open dials and authenticates. The context bounds the whole handshake.
func (t *SSHTransport) Open(ctx context.Context, device inventory.Device, creds Credentials) (Session, error) {
	client, err := dialSSH(ctx, device, creds, t.opts)
	if err != nil {
		return nil, err
	}
	return &sshSession{client: client, device: device.Name}, nil
}

func dialSSH(ctx context.Context, device inventory.Device, creds Credentials, opts Options) (*ssh.Client, error) {
	cfg, err := clientConfig(creds, opts)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(device.Address, strconv.Itoa(opts.Port))

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "failed to connect to "+device.Name, err)
	}
	// Bound the SSH handshake too, not just the TCP dial.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthErr(err) {
			return nil, types.WrapError(types.KindAuth, "authentication rejected by "+device.Name, err)
		}
		return nil, types.WrapError(types.KindTransport, "ssh handshake with "+device.Name+" failed", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func clientConfig(creds Credentials, opts Options) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, types.WrapError(types.KindAuth, "failed to parse private key", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
		// Network gear frequently runs keyboard-interactive instead of
		// plain password auth; answer every prompt with the password.
		password := creds.Password
		auth = append(auth, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	if len(auth) == 0 {
		return nil, types.NewError(types.KindAuth, "no usable authentication method")
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // lab default; set known_hosts for strict checking
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         opts.ConnectTimeout,
	}, nil
}

func isAuthErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// ===== SSH SESSION =====

type sshSession struct {
	client *ssh.Client
	device string

	mu     sync.Mutex
	closed bool
}

func (s *sshSession) Send(ctx context.Context, op string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", types.Errorf(types.KindTransport, "session to %s is closed", s.device)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		s.teardown()
		return "", types.WrapError(types.KindTransport, "failed to open channel to "+s.device, err)
	}
	defer sess.Close()

	type reply struct {
		out []byte
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := sess.CombinedOutput(op)
		done <- reply{out, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the channel read by killing the connection; the session
		// is unusable after a forced close.
		s.teardown()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", types.Errorf(types.KindTimeout, "command on %s exceeded deadline", s.device)
		}
		return "", types.WrapError(types.KindTransport, "command on "+s.device+" cancelled", ctx.Err())
	case r := <-done:
		out := string(r.out)
		if r.err == nil {
			return out, nil
		}
		// Network CLIs report problems in the output text, not via exit
		// status; a non-zero or absent status with output is still a reply.
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if out != "" && (errors.As(r.err, &exitErr) || errors.As(r.err, &missing)) {
			return out, nil
		}
		return "", types.WrapError(types.KindTransport, "command on "+s.device+" failed", r.err)
	}
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardown()
}

func (s *sshSession) teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
