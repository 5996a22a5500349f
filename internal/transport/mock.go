package transport

import (
	"context"
	"sync"
	"time"

	"olav/internal/inventory"
	"olav/internal/types"
)

// ===== MOCK TRANSPORT =====

// MockTransport is the scripted in-memory transport used by tests across the
// execution stack. Responses are keyed by (device, operation); everything is
// recorded for assertions.
type MockTransport struct {
	mu            sync.Mutex
	scripts       map[string]map[string]MockResponse
	openErr       map[string]error
	defaultOutput string
	useDefault    bool

	calls      []MockCall
	opens      map[string]int
	closes     map[string]int
	inFlight   map[string]int
	maxInFlown map[string]int
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Output string
	Err    error
	Delay  time.Duration
	// FailTimes makes the first N sends fail with Err, then succeed with
	// Output. Used to exercise retry paths.
	FailTimes int
}

// MockCall records one Send.
type MockCall struct {
	Device string
	Op     string
}

// NewMock creates an empty mock transport.
func NewMock() *MockTransport {
	return &MockTransport{
		scripts:    make(map[string]map[string]MockResponse),
		openErr:    make(map[string]error),
		opens:      make(map[string]int),
		closes:     make(map[string]int),
		inFlight:   make(map[string]int),
		maxInFlown: make(map[string]int),
	}
}

func (m *MockTransport) Name() string { return "mock" }

// Script registers the reply for (device, op).
func (m *MockTransport) Script(device, op string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scripts[device] == nil {
		m.scripts[device] = make(map[string]MockResponse)
	}
	m.scripts[device][op] = resp
}

// DefaultOutput makes unscripted operations succeed with the given output
// instead of failing.
func (m *MockTransport) DefaultOutput(out string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultOutput = out
	m.useDefault = true
}

// FailOpen makes Open for the device return err.
func (m *MockTransport) FailOpen(device string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr[device] = err
}

// Open returns a session bound to the device name.
func (m *MockTransport) Open(ctx context.Context, device inventory.Device, creds Credentials) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openErr[device.Name]; err != nil {
		return nil, err
	}
	m.opens[device.Name]++
	return &mockSession{parent: m, device: device.Name}, nil
}

// Calls returns every Send in order.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the operations sent to one device, in order.
func (m *MockTransport) CallsFor(device string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []string
	for _, c := range m.calls {
		if c.Device == device {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// OpenCount reports how many sessions were opened to the device.
func (m *MockTransport) OpenCount(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[device]
}

// CloseCount reports how many sessions to the device were closed.
func (m *MockTransport) CloseCount(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[device]
}

// MaxInFlight reports the peak number of concurrent Sends observed on the
// device. Per-device serialization means this never exceeds 1.
func (m *MockTransport) MaxInFlight(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlown[device]
}

// ===== MOCK SESSION =====

type mockSession struct {
	parent *MockTransport
	device string
	mu     sync.Mutex
	closed bool
}

func (s *mockSession) Send(ctx context.Context, op string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", types.Errorf(types.KindTransport, "session to %s is closed", s.device)
	}
	s.mu.Unlock()

	m := s.parent
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Device: s.device, Op: op})
	m.inFlight[s.device]++
	if m.inFlight[s.device] > m.maxInFlown[s.device] {
		m.maxInFlown[s.device] = m.inFlight[s.device]
	}
	resp, scripted := m.scripts[s.device][op]
	failNow := false
	if scripted && resp.FailTimes > 0 {
		failNow = true
		next := resp
		next.FailTimes--
		if next.FailTimes == 0 {
			next.Err = nil // failures exhausted, succeed from here on
		}
		m.scripts[s.device][op] = next
	}
	useDefault := m.useDefault
	defaultOut := m.defaultOutput
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight[s.device]--
		m.mu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if scripted && resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return "", types.Errorf(types.KindTimeout, "command on %s exceeded deadline", s.device)
		}
	}

	if !scripted {
		if useDefault {
			return defaultOut, nil
		}
		return "", types.Errorf(types.KindTransport, "no scripted response for %q on %s", op, s.device)
	}
	if failNow {
		if resp.Err != nil {
			return "", resp.Err
		}
		return "", types.Errorf(types.KindTransport, "scripted failure on %s", s.device)
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Output, nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.parent.mu.Lock()
	s.parent.closes[s.device]++
	s.parent.mu.Unlock()
	return nil
}
