package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"olav/internal/inventory"
	"olav/internal/types"
)

// ===== NETCONF TRANSPORT =====

// NetconfTransport speaks NETCONF 1.0 over the SSH "netconf" subsystem with
// end-of-message framing. One subsystem channel stays open per session; the
// hello exchange happens at Open.
type NetconfTransport struct {
	opts Options
}

const (
	netconfDelim = "]]>]]>"
	netconfHello = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>
  </capabilities>
</hello>
`
)

// NewNetconf creates the NETCONF transport.
func NewNetconf(opts Options) *NetconfTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 830
	}
	return &NetconfTransport{opts: opts}
}

func (t *NetconfTransport) Name() string { return "netconf" }

// Open dials, requests the netconf subsystem and exchanges hellos.
func (t *NetconfTransport) Open(ctx context.Context, device inventory.Device, creds Credentials) (Session, error) {
	client, err := dialSSH(ctx, device, creds, t.opts)
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, types.WrapError(types.KindTransport, "failed to open channel to "+device.Name, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.KindTransport, "failed to attach stdin on "+device.Name, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.KindTransport, "failed to attach stdout on "+device.Name, err)
	}
	if err := sess.RequestSubsystem("netconf"); err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.KindTransport, device.Name+" does not offer the netconf subsystem", err)
	}

	ns := &netconfSession{
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		device: device.Name,
	}

	// Hello exchange, bounded by the connect timeout.
	if _, err := ns.exchange(ctx, netconfHello, t.opts.ConnectTimeout); err != nil {
		ns.Close()
		return nil, types.WrapError(types.KindTransport, "netconf hello with "+device.Name+" failed", err)
	}
	return ns, nil
}

// ===== NETCONF SESSION =====

type netconfSession struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	device string

	mu     sync.Mutex
	buf    bytes.Buffer // bytes read past the last delimiter
	closed bool
}

func (n *netconfSession) Send(ctx context.Context, op string, timeout time.Duration) (string, error) {
	reply, err := n.exchange(ctx, op, timeout)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// exchange writes one framed message and reads one framed reply.
func (n *netconfSession) exchange(ctx context.Context, msg string, timeout time.Duration) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", types.Errorf(types.KindTransport, "netconf session to %s is closed", n.device)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if _, err := io.WriteString(n.stdin, msg+netconfDelim+"\n"); err != nil {
		n.teardown()
		return "", types.WrapError(types.KindTransport, "netconf write to "+n.device+" failed", err)
	}

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := n.readFrame()
		done <- reply{text, err}
	}()

	select {
	case <-ctx.Done():
		n.teardown()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", types.Errorf(types.KindTimeout, "netconf rpc on %s exceeded deadline", n.device)
		}
		return "", types.WrapError(types.KindTransport, "netconf rpc on "+n.device+" cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			n.teardown()
			return "", types.WrapError(types.KindTransport, "netconf read from "+n.device+" failed", r.err)
		}
		return r.text, nil
	}
}

// readFrame reads until the end-of-message delimiter, keeping any overrun
// bytes for the next frame.
func (n *netconfSession) readFrame() (string, error) {
	chunk := make([]byte, 4096)
	for {
		if i := bytes.Index(n.buf.Bytes(), []byte(netconfDelim)); i >= 0 {
			frame := string(n.buf.Bytes()[:i])
			rest := append([]byte(nil), n.buf.Bytes()[i+len(netconfDelim):]...)
			n.buf.Reset()
			n.buf.Write(rest)
			return strings.TrimSpace(frame), nil
		}
		k, err := n.stdout.Read(chunk)
		if k > 0 {
			n.buf.Write(chunk[:k])
		}
		if err != nil {
			return "", err
		}
	}
}

func (n *netconfSession) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.teardown()
}

func (n *netconfSession) teardown() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.stdin.Close()
	n.sess.Close()
	return n.client.Close()
}
