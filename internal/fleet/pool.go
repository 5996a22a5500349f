package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"olav/internal/inventory"
	"olav/internal/transport"
	"olav/internal/types"
)

// ===== CONNECTION POOL =====

// ConnState is the per-device connection state.
//
//	Disconnected ──open──▶ Connecting ──auth──▶ Ready ──send──▶ Awaiting
//	    ▲                      │ fail            │                │ reply
//	    │                      ▼                 │                ▼
//	    └───────── Dead ◀──────┘                 └───────── Ready
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
	StateAwaiting     ConnState = "awaiting"
	StateDead         ConnState = "dead"
)

// PoolOptions tunes the pool.
type PoolOptions struct {
	ConnectTimeout time.Duration
	IdleClose      time.Duration // close Ready connections idle this long
}

// Pool owns one connection per device, serialized by a per-device mutex so
// commands never interleave on a CLI channel. Failed connections go Dead and
// are rebuilt on the next execute; a per-device circuit breaker stops
// hammering devices that refuse connections.
type Pool struct {
	transports map[string]transport.Transport
	creds      transport.CredentialProvider
	opts       PoolOptions
	log        *zap.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	breakers map[string]*gobreaker.CircuitBreaker

	stopCh   chan struct{}
	reaperWG sync.WaitGroup
	stopped  bool
}

type conn struct {
	mu       sync.Mutex // serializes commands to this device
	state    ConnState
	session  transport.Session
	proto    string
	lastUsed time.Time
}

// NewPool creates the pool and starts the idle reaper.
func NewPool(transports []transport.Transport, creds transport.CredentialProvider, opts PoolOptions, log *zap.Logger) *Pool {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.IdleClose <= 0 {
		opts.IdleClose = 300 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	byName := make(map[string]transport.Transport, len(transports))
	for _, t := range transports {
		byName[t.Name()] = t
	}
	p := &Pool{
		transports: byName,
		creds:      creds,
		opts:       opts,
		log:        log,
		conns:      make(map[string]*conn),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		stopCh:     make(chan struct{}),
	}
	p.reaperWG.Add(1)
	go p.reapIdle()
	return p
}

// Execute sends one operation to one device over the named protocol,
// opening or reusing the pooled connection. Calls to the same device are
// serialized; calls to distinct devices run in parallel.
func (p *Pool) Execute(ctx context.Context, device inventory.Device, proto, op string, timeout time.Duration) (string, time.Duration, error) {
	c := p.connFor(device.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	started := time.Now()
	if err := p.ensureReady(ctx, c, device, proto); err != nil {
		return "", time.Since(started), err
	}

	c.state = StateAwaiting
	raw, err := c.session.Send(ctx, op, timeout)
	if err != nil {
		// A failed exchange leaves the channel in an unknown state; the
		// pool rebuilds on the next execute.
		p.kill(c)
		return "", time.Since(started), err
	}
	c.state = StateReady
	c.lastUsed = time.Now()
	return raw, time.Since(started), nil
}

// MarkDead forcibly closes the device's connection (cancellation path).
func (p *Pool) MarkDead(device string) {
	p.mu.Lock()
	c, ok := p.conns[device]
	p.mu.Unlock()
	if !ok {
		return
	}
	// Do not take c.mu: the whole point is to break an in-flight exchange.
	if c.session != nil {
		_ = c.session.Close()
	}
}

// States snapshots connection states for the status surface.
func (p *Pool) States() map[string]ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ConnState, len(p.conns))
	for name, c := range p.conns {
		out[name] = c.state
	}
	return out
}

// Close tears down every connection and stops the reaper.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.reaperWG.Wait()
	for _, c := range conns {
		c.mu.Lock()
		p.kill(c)
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

func (p *Pool) connFor(device string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[device]
	if !ok {
		c = &conn{state: StateDisconnected}
		p.conns[device] = c
	}
	return c
}

// ensureReady opens the connection if it is not Ready, driving the open
// through the device's circuit breaker. Caller holds c.mu.
func (p *Pool) ensureReady(ctx context.Context, c *conn, device inventory.Device, proto string) error {
	if c.state == StateReady && c.session != nil && c.proto == proto {
		return nil
	}
	p.kill(c)

	tr, ok := p.transports[proto]
	if !ok {
		return types.Errorf(types.KindInternal, "no transport registered for protocol %q", proto)
	}

	c.state = StateConnecting
	sess, err := p.breakerFor(device.Name).Execute(func() (interface{}, error) {
		creds, err := p.creds.Lookup(device.CredentialsRef)
		if err != nil {
			return nil, err
		}
		openCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
		return tr.Open(openCtx, device, creds)
	})
	if err != nil {
		c.state = StateDead
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.Errorf(types.KindTransport, "connections to %s are failing, backing off", device.Name)
		}
		return err
	}

	c.session = sess.(transport.Session)
	c.proto = proto
	c.state = StateReady
	c.lastUsed = time.Now()
	p.log.Debug("connection ready", zap.String("device", device.Name), zap.String("proto", proto))
	return nil
}

// kill closes the session and marks the connection Dead. Caller holds c.mu.
func (p *Pool) kill(c *conn) {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.state = StateDead
}

func (p *Pool) breakerFor(device string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[device]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        device,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("connection breaker state change",
				zap.String("device", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	p.breakers[device] = cb
	return cb
}

// reapIdle closes Ready connections that have been idle past the window.
func (p *Pool) reapIdle() {
	defer p.reaperWG.Done()
	interval := p.opts.IdleClose / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			candidates := make([]*conn, 0)
			for _, c := range p.conns {
				candidates = append(candidates, c)
			}
			p.mu.Unlock()

			cutoff := time.Now().Add(-p.opts.IdleClose)
			for _, c := range candidates {
				if !c.mu.TryLock() {
					continue // in use
				}
				if c.state == StateReady && c.lastUsed.Before(cutoff) {
					if c.session != nil {
						_ = c.session.Close()
						c.session = nil
					}
					c.state = StateDisconnected
				}
				c.mu.Unlock()
			}
		}
	}
}
